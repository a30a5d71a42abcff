//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package statesync

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control lets makers send to broadcast addresses and several takers share
// a port on one host.
func control(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
