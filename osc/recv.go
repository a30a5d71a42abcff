package osc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultRecvTimeout is the read deadline used by the polling goroutine
	// when Recv.Timeout is zero.
	DefaultRecvTimeout = 100 * time.Millisecond
	// DefaultBufferSize is the receive buffer size, the largest UDP payload.
	DefaultBufferSize = 65535
)

// Recv receives OSC packets on a UDP port and hands every message to a
// PacketHandler, either one read at a time through Recv or continuously from
// a background goroutine started with Start.
//
//	r := &osc.Recv{Addr: ":9010", Handler: osc.HandlerFunc(func(m *osc.Message) {
//		fmt.Println(m.AddressPattern())
//	})}
//	if err := r.Open(); err != nil { ... }
//	r.Start()
//	defer r.Close()
type Recv struct {
	// Addr is the local "host:port" to bind. An empty host binds all
	// interfaces.
	Addr string
	// Timeout bounds every read; it is also the worst-case latency of Stop.
	// Zero selects DefaultRecvTimeout. A negative value means block forever,
	// in which case only Close ends the polling goroutine.
	Timeout time.Duration
	// BufferSize defaults to DefaultBufferSize.
	BufferSize int
	// Handler receives decoded messages. Use SetHandler once running.
	Handler PacketHandler
	// Logger defaults to zap.L().Named("osc.recv").
	Logger *zap.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	buf     []byte
	parser  Parser
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func (r *Recv) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.L().Named("osc.recv")
}

// Open binds the socket. It is called by Start if needed.
func (r *Recv) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", r.Addr)
	if err != nil {
		return errors.Wrapf(err, "osc: binding %s", r.Addr)
	}
	r.adopt(conn)
	return nil
}

// Attach adopts an already bound socket in place of Open, for sockets that
// need options or group membership set up by the caller. Close closes it.
func (r *Recv) Attach(conn net.PacketConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return errors.New("osc: receiver already opened")
	}
	r.adopt(conn)
	return nil
}

func (r *Recv) adopt(conn net.PacketConn) {
	r.conn = conn
	size := r.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	r.buf = make([]byte, size)
	r.parser = Parser{Logger: r.logger()}
	r.logger().Debug("listening", zap.Stringer("addr", conn.LocalAddr()))
}

// Opened reports whether the socket is bound.
func (r *Recv) Opened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// LocalAddr returns the bound address, or nil.
func (r *Recv) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// SetHandler replaces the handler. It is safe to call while running.
func (r *Recv) SetHandler(h PacketHandler) {
	r.mu.Lock()
	r.Handler = h
	r.mu.Unlock()
}

func (r *Recv) timeout() time.Duration {
	if r.Timeout == 0 {
		return DefaultRecvTimeout
	}
	return r.Timeout
}

// Recv performs one read. It must not be called concurrently with the
// polling goroutine. It returns the datagram size, or 0 and a nil error
// when the read timed out. A non-empty datagram is parsed and delivered
// before Recv returns; parse problems are logged, not returned.
func (r *Recv) Recv() (int, error) {
	r.mu.Lock()
	conn, buf := r.conn, r.buf
	r.mu.Unlock()
	if conn == nil {
		return 0, ErrNotOpened
	}

	if d := r.timeout(); d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	r.mu.Lock()
	h := r.Handler
	r.mu.Unlock()
	if h == nil {
		return n, nil
	}
	sender := ""
	if from != nil {
		sender = from.String()
	}
	r.parser.Parse(buf[:n], TimeTagImmediate, sender, h)
	return n, nil
}

// Start opens the socket if needed and starts the polling goroutine. Calling
// Start on a running Recv does nothing.
func (r *Recv) Start() error {
	if err := r.Open(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if r.Timeout < 0 {
		r.logger().Warn("receive timeout disabled, Stop will wait until the next packet or Close")
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
	return nil
}

// Running reports whether the polling goroutine is active.
func (r *Recv) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recv) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var tempDelay time.Duration
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, err := r.Recv()
		if err == nil {
			tempDelay = 0
			continue
		}
		if errors.Is(err, ErrNotOpened) || errors.Is(err, net.ErrClosed) {
			return
		}
		if tempDelay == 0 {
			tempDelay = 5 * time.Millisecond
		} else {
			tempDelay *= 2
		}
		if max := 1 * time.Second; tempDelay > max {
			tempDelay = max
		}
		r.logger().Warn("receive error", zap.Error(err), zap.Duration("retry_in", tempDelay))
		select {
		case <-stop:
			return
		case <-time.After(tempDelay):
		}
	}
}

// Stop ends the polling goroutine and waits for it. It may take up to one
// Timeout. Stop is idempotent and may be called from any goroutine except
// the handler's own, which would wait for itself.
func (r *Recv) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

// Close stops polling and closes the socket.
func (r *Recv) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		// Closing first unblocks a read without a deadline.
		err = conn.Close()
	}
	r.Stop()
	return err
}
