package osc

import (
	"net"
	"sync"
	"time"

	"github.com/Lobaro/slip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultReconnectWait is the pause between reconnect attempts of a TCPSend.
const DefaultReconnectWait = 200 * time.Millisecond

// TCPRecv accepts TCP connections and parses every SLIP frame received on
// them as one OSC packet (OSC 1.1 stream framing).
type TCPRecv struct {
	Addr    string
	Handler PacketHandler
	// Logger defaults to zap.L().Named("osc.tcp").
	Logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func (ts *TCPRecv) logger() *zap.Logger {
	if ts.Logger != nil {
		return ts.Logger
	}
	return zap.L().Named("osc.tcp")
}

// Listen binds the listening socket without accepting yet.
func (ts *TCPRecv) Listen() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return ErrNotOpened
	}
	if ts.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", ts.Addr)
	if err != nil {
		return errors.Wrapf(err, "osc: listening on %s", ts.Addr)
	}
	ts.listener = l
	ts.conns = make(map[net.Conn]struct{})
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (ts *TCPRecv) LocalAddr() net.Addr {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr()
}

// ListenAndServe listens if needed and accepts connections until Close. It
// returns nil after Close.
func (ts *TCPRecv) ListenAndServe() error {
	if err := ts.Listen(); err != nil {
		return err
	}
	ts.mu.Lock()
	l := ts.listener
	ts.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			ts.mu.Lock()
			closed := ts.closed
			ts.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "osc: accept")
		}
		ts.mu.Lock()
		if ts.closed {
			ts.mu.Unlock()
			conn.Close()
			return nil
		}
		ts.conns[conn] = struct{}{}
		ts.wg.Add(1)
		ts.mu.Unlock()
		go ts.handleConn(conn)
	}
}

func (ts *TCPRecv) handleConn(conn net.Conn) {
	log := ts.logger().With(zap.Stringer("remote", conn.RemoteAddr()))
	defer func() {
		ts.mu.Lock()
		delete(ts.conns, conn)
		ts.mu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("error closing connection", zap.Error(err))
		}
		log.Debug("connection closed")
		ts.wg.Done()
	}()
	log.Debug("new connection")

	parser := Parser{Logger: ts.logger()}
	sender := conn.RemoteAddr().String()
	r := slip.NewReader(conn)
	for {
		packet, _, err := r.ReadPacket()
		if err != nil {
			log.Debug("stopped reading", zap.Error(err))
			return
		}
		if len(packet) == 0 {
			continue
		}
		if h := ts.Handler; h != nil {
			parser.Parse(packet, TimeTagImmediate, sender, h)
		}
	}
}

// Close stops accepting, closes every open connection and waits for their
// goroutines to finish.
func (ts *TCPRecv) Close() error {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return nil
	}
	ts.closed = true
	var err error
	if ts.listener != nil {
		err = ts.listener.Close()
	}
	for c := range ts.conns {
		c.Close()
	}
	ts.mu.Unlock()
	ts.wg.Wait()
	return err
}

// TCPSend writes SLIP framed OSC packets to one TCP peer. A failed write
// triggers a reconnect; the packet that failed is not retried.
type TCPSend struct {
	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait time.Duration
	// MaxRetries bounds reconnect attempts after a failed write. 0 means keep
	// trying until Close.
	MaxRetries int

	addr   string
	log    *zap.Logger
	mu     sync.Mutex
	conn   net.Conn
	w      *slip.Writer
	closed chan struct{}
	once   sync.Once
}

// DialTCP connects to addr.
func DialTCP(addr string) (*TCPSend, error) {
	tc := &TCPSend{
		ReconnectWait: DefaultReconnectWait,
		addr:          addr,
		log:           zap.L().Named("osc.tcp").With(zap.String("peer", addr)),
		closed:        make(chan struct{}),
	}
	if err := tc.dial(); err != nil {
		return nil, err
	}
	return tc, nil
}

func (tc *TCPSend) dial() error {
	c, err := net.Dial("tcp", tc.addr)
	if err != nil {
		return errors.Wrapf(err, "osc: connecting to %s", tc.addr)
	}
	tc.conn = c
	tc.w = slip.NewWriter(c)
	tc.log.Debug("connected", zap.Stringer("local", c.LocalAddr()))
	return nil
}

// Send writes p as one SLIP frame.
func (tc *TCPSend) Send(p *Packet) error {
	return tc.write(p.Data())
}

// SendMessage builds and writes a single message.
func (tc *TCPSend) SendMessage(address string, args ...interface{}) error {
	p := NewPacket(MaxPacketSize)
	if err := p.AddMessage(address, args...); err != nil {
		return err
	}
	return tc.Send(p)
}

func (tc *TCPSend) write(b []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.conn == nil {
		return ErrNotOpened
	}
	err := tc.w.WritePacket(b)
	if err == nil {
		return nil
	}
	tc.log.Warn("write failed, reconnecting", zap.Error(err))
	tc.conn.Close()
	if rerr := tc.reconnect(); rerr != nil {
		return rerr
	}
	return errors.Wrap(err, "osc: write failed, connection re-established")
}

func (tc *TCPSend) reconnect() error {
	for attempt := 1; ; attempt++ {
		err := tc.dial()
		if err == nil {
			return nil
		}
		if tc.MaxRetries > 0 && attempt >= tc.MaxRetries {
			tc.conn = nil
			return err
		}
		tc.log.Debug("reconnect failed", zap.Error(err), zap.Duration("retry_in", tc.ReconnectWait))
		select {
		case <-tc.closed:
			tc.conn = nil
			return ErrNotOpened
		case <-time.After(tc.ReconnectWait):
		}
	}
}

// Close closes the connection and abandons any reconnect in progress.
func (tc *TCPSend) Close() error {
	tc.once.Do(func() { close(tc.closed) })
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.conn == nil {
		return nil
	}
	err := tc.conn.Close()
	tc.conn = nil
	return err
}
