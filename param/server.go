package param

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/showcontroller/oscparam/osc"
)

// Routable is a parameter a Server can route messages to. It is implemented
// by every *Parameter[T]; only parameters with a codec can be registered.
type Routable interface {
	Name() string
	Group() string
	FullAddress() string
	TypeTags() string
	String() string

	routable() bool
	setFromMessage(m *osc.Message, blockReceiver any) error
	encodeCurrent(p *osc.Packet)
	watch(f func(encode func(*osc.Packet), blockSender any)) Subscription
}

// Server exposes registered parameters over OSC. Every message whose address
// equals a parameter's full address and whose type tags match the
// parameter's codec sets that parameter. Accepted values are re-broadcast to
// the listeners of the embedded Notifier, and local changes to registered
// parameters are pushed to them too.
type Server struct {
	*Notifier

	recv *osc.Recv
	log  *zap.Logger

	mu       sync.RWMutex
	byAddr   map[string][]*Registration
	order    []*Registration
	handlers []osc.PacketHandler
}

// Registration ties a parameter to a Server. Unregister undoes it.
type Registration struct {
	s    *Server
	p    Routable
	sub  Subscription
	once sync.Once
}

// Parameter returns the registered parameter.
func (r *Registration) Parameter() Routable { return r.p }

// Unregister removes the parameter from the server. It is idempotent.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.sub.Cancel()
		r.s.remove(r)
	})
}

type serverOptions struct {
	log     *zap.Logger
	timeout time.Duration
}

// ServerOption configures NewServer.
type ServerOption func(*serverOptions)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.log = l }
}

// WithReceiveTimeout sets the read timeout of the receive loop, which bounds
// how long Close takes.
func WithReceiveTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.timeout = d }
}

// NewServer binds addr:port, where an empty addr means all interfaces, and
// starts receiving.
func NewServer(addr string, port int, opts ...ServerOption) (*Server, error) {
	o := serverOptions{timeout: osc.DefaultRecvTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.L().Named("param.server")
	}

	n, err := NewNotifier(o.log)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Notifier: n,
		log:      o.log,
		byAddr:   make(map[string][]*Registration),
	}
	s.recv = &osc.Recv{
		Addr:    net.JoinHostPort(addr, strconv.Itoa(port)),
		Timeout: o.timeout,
		Handler: s,
		Logger:  o.log,
	}
	if err := s.recv.Start(); err != nil {
		n.Close()
		return nil, errors.Wrap(err, "param: starting server")
	}
	s.log.Info("parameter server listening", zap.Stringer("addr", s.recv.LocalAddr()))
	return s, nil
}

// LocalAddr returns the address the server is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.recv.LocalAddr()
}

// Register starts routing messages to p. Registering a parameter twice
// returns the existing registration.
func (s *Server) Register(p Routable) (*Registration, error) {
	if !p.routable() {
		return nil, errors.Wrap(ErrNotRoutable, p.FullAddress())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byAddr[p.FullAddress()] {
		if r.p == p {
			return r, nil
		}
	}
	r := &Registration{s: s, p: p}
	r.sub = p.watch(func(encode func(*osc.Packet), blockSender any) {
		if blockSender == any(s) {
			return
		}
		s.notifyEncoded(encode)
	})
	s.byAddr[p.FullAddress()] = append(s.byAddr[p.FullAddress()], r)
	s.order = append(s.order, r)
	s.log.Debug("registered parameter", zap.String("address", p.FullAddress()), zap.String("tags", p.TypeTags()))
	return r, nil
}

// MustRegister is Register for parameters known to be routable, such as the
// ones built by the variant constructors. It panics on error.
func (s *Server) MustRegister(params ...Routable) *Server {
	for _, p := range params {
		if _, err := s.Register(p); err != nil {
			panic(err)
		}
	}
	return s
}

// Unregister removes every registration of p.
func (s *Server) Unregister(p Routable) {
	s.mu.RLock()
	var regs []*Registration
	for _, r := range s.byAddr[p.FullAddress()] {
		if r.p == p {
			regs = append(regs, r)
		}
	}
	s.mu.RUnlock()
	for _, r := range regs {
		r.Unregister()
	}
}

func (s *Server) remove(r *Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := r.p.FullAddress()
	s.byAddr[addr] = without(s.byAddr[addr], r)
	if len(s.byAddr[addr]) == 0 {
		delete(s.byAddr, addr)
	}
	s.order = without(s.order, r)
}

func without(regs []*Registration, r *Registration) []*Registration {
	out := regs[:0:0]
	for _, x := range regs {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}

// Parameters returns the registered parameters in registration order.
func (s *Server) Parameters() []Routable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Routable, len(s.order))
	for i, r := range s.order {
		out[i] = r.p
	}
	return out
}

// AddHandler forwards every received message to h after parameter routing.
func (s *Server) AddHandler(h osc.PacketHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// OnMessage implements osc.PacketHandler.
func (s *Server) OnMessage(m *osc.Message) {
	s.mu.RLock()
	regs := s.byAddr[m.AddressPattern()]
	handlers := s.handlers
	s.mu.RUnlock()

	for _, r := range regs {
		if err := r.p.setFromMessage(m, s); err != nil {
			s.log.Warn("rejected parameter message",
				zap.String("address", m.AddressPattern()),
				zap.String("sender", m.Sender()),
				zap.Error(err))
			continue
		}
		s.notifyEncoded(r.p.encodeCurrent)
	}
	for _, h := range handlers {
		h.OnMessage(m.ResetStream())
	}
}

// NotifyAll sends the current value of every registered parameter to the
// listeners, for example to refresh an interface that just came online.
func (s *Server) NotifyAll() {
	for _, p := range s.Parameters() {
		s.notifyEncoded(p.encodeCurrent)
	}
}

// Print writes the registered parameters and listeners to w.
func (s *Server) Print(w io.Writer) {
	fmt.Fprintf(w, "Parameter server listening on %v\n", s.LocalAddr())
	params := s.Parameters()
	sort.SliceStable(params, func(i, j int) bool { return params[i].FullAddress() < params[j].FullAddress() })
	for _, p := range params {
		fmt.Fprintf(w, "Parameter %s (%s) -> %s\n", p.Name(), p.TypeTags(), p.String())
	}
	for _, l := range s.Listeners() {
		fmt.Fprintf(w, "Listener %s\n", l)
	}
}

// Running reports whether the receive loop is active.
func (s *Server) Running() bool {
	return s.recv.Running()
}

// Close stops receiving, drops every registration and closes the notifier.
func (s *Server) Close() error {
	err := s.recv.Close()
	s.mu.RLock()
	regs := append([]*Registration(nil), s.order...)
	s.mu.RUnlock()
	for _, r := range regs {
		r.Unregister()
	}
	if nerr := s.Notifier.Close(); err == nil {
		err = nerr
	}
	return err
}
