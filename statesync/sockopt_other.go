//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package statesync

import "syscall"

// control leaves the platform defaults alone: broadcast destinations and
// shared ports may be refused.
func control(network, address string, c syscall.RawConn) error {
	return nil
}
