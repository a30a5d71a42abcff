package osc

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrPacketTooLarge is returned when a packet exceeds the maximum UDP
	// payload the sender is configured for. Packets are never fragmented.
	ErrPacketTooLarge = errors.New("osc: packet too large")
	// ErrNotOpened is returned when using a socket that failed to open or was
	// closed.
	ErrNotOpened = errors.New("osc: socket not opened")
)

// Endpoint is a resolved destination of a Send.
type Endpoint struct {
	Host string
	Port int
	addr *net.UDPAddr
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Send writes packets to a set of UDP endpoints through one unconnected
// socket. It embeds a Packet so messages can be built in place and flushed
// with Send:
//
//	s, err := osc.NewSend(osc.WithEndpoint("localhost", 9010))
//	s.BeginMessage("/test").String("hello").Int32(42).EndMessage()
//	err = s.Send()
//
// The fan-out set and the socket are guarded by a mutex; the embedded Packet
// is not and belongs to the goroutine that builds it.
type Send struct {
	Packet

	mu        sync.Mutex
	conn      *net.UDPConn
	endpoints []Endpoint
	maxSize   int
	log       *zap.Logger
}

// SendOption configures a Send.
type SendOption func(*Send) error

// WithEndpoint adds a destination.
func WithEndpoint(host string, port int) SendOption {
	return func(s *Send) error {
		return s.addLocked(host, port)
	}
}

// WithMaxPacketSize overrides MaxPacketSize.
func WithMaxPacketSize(n int) SendOption {
	return func(s *Send) error {
		s.maxSize = n
		return nil
	}
}

// WithSendLogger sets the logger.
func WithSendLogger(l *zap.Logger) SendOption {
	return func(s *Send) error {
		s.log = l
		return nil
	}
}

// WithConn sends through conn instead of a socket opened by NewSend. The
// Send takes ownership and closes conn on Close.
func WithConn(conn *net.UDPConn) SendOption {
	return func(s *Send) error {
		s.conn = conn
		return nil
	}
}

// NewSend opens the sending socket and applies opts. On error the returned
// Send is still usable for building packets but Opened reports false.
func NewSend(opts ...SendOption) (*Send, error) {
	s := &Send{
		Packet:  Packet{data: make([]byte, 0, MaxPacketSize)},
		maxSize: MaxPacketSize,
		log:     zap.L().Named("osc.send"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return s, err
		}
	}
	if s.conn != nil {
		return s, nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return s, errors.Wrap(err, "osc: opening send socket")
	}
	s.conn = conn
	return s, nil
}

func (s *Send) addLocked(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(err, "osc: resolving %s:%d", host, port)
	}
	for _, e := range s.endpoints {
		if e.Host == host && e.Port == port {
			return nil
		}
	}
	s.endpoints = append(s.endpoints, Endpoint{Host: host, Port: port, addr: addr})
	return nil
}

// Add adds a destination. Adding an existing destination is a no-op.
func (s *Send) Add(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(host, port)
}

// Remove removes a destination.
func (s *Send) Remove(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.endpoints {
		if e.Host == host && e.Port == port {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			return
		}
	}
}

// Endpoints returns a copy of the destination set.
func (s *Send) Endpoints() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.endpoints...)
}

// Opened reports whether the socket is usable.
func (s *Send) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes the embedded packet to every destination and clears it. With
// no destinations the packet is dropped.
func (s *Send) Send() error {
	err := s.SendPacket(&s.Packet)
	s.Clear()
	return err
}

// SendPacket writes p to every destination. p is not modified.
func (s *Send) SendPacket(p *Packet) error {
	return s.write(p.Data())
}

// SendMessage builds a one-message packet and writes it to every
// destination. The embedded packet is left alone.
func (s *Send) SendMessage(address string, args ...interface{}) error {
	p := NewPacket(MaxPacketSize)
	if err := p.AddMessage(address, args...); err != nil {
		return err
	}
	return s.SendPacket(p)
}

func (s *Send) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) > s.maxSize {
		return errors.Wrapf(ErrPacketTooLarge, "%d bytes, limit %d", len(data), s.maxSize)
	}
	if s.conn == nil {
		return ErrNotOpened
	}
	var firstErr error
	for _, e := range s.endpoints {
		if _, err := s.conn.WriteToUDP(data, e.addr); err != nil {
			s.log.Debug("send failed", zap.Stringer("endpoint", e), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "osc: sending to %s", e)
			}
		}
	}
	return firstErr
}

// Close closes the socket. Further sends return ErrNotOpened.
func (s *Send) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
