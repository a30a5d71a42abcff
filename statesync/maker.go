package statesync

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/showcontroller/oscparam/osc"
)

// Maker sends the latest state to a broadcast, multicast or unicast address.
//
//	m, err := statesync.NewMaker[State]("255.255.255.255:9100")
//	m.Start()
//	defer m.Close()
//	m.Set(state)
type Maker[S any] struct {
	id    uuid.UUID
	send  *osc.Send
	size  int
	chunk int
	opts  options

	mu      sync.Mutex
	state   S
	have    bool
	frame   uint32
	running bool
	stop    chan struct{}
	done    chan struct{}
	changed chan struct{}
}

// NewMaker opens a broadcast-capable socket sending to dest ("host:port").
func NewMaker[S any](dest string, opts ...Option) (*Maker[S], error) {
	size, err := stateSize[S]()
	if err != nil {
		return nil, err
	}
	o := newOptions("statesync.maker", opts)
	chunk, err := chunkSize(o.packetSize)
	if err != nil {
		return nil, err
	}
	host, port, err := splitHostPort(dest)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "statesync: opening maker socket")
	}
	send, err := osc.NewSend(
		osc.WithConn(pc.(*net.UDPConn)),
		osc.WithEndpoint(host, port),
		osc.WithMaxPacketSize(o.packetSize),
		osc.WithSendLogger(o.log),
	)
	if err != nil {
		send.Close()
		return nil, err
	}

	id := o.maker
	if id == uuid.Nil {
		id = uuid.New()
	}
	m := &Maker[S]{
		id:      id,
		send:    send,
		size:    size,
		chunk:   chunk,
		opts:    o,
		changed: make(chan struct{}, 1),
	}
	o.log.Info("state maker ready",
		zap.Stringer("id", id),
		zap.String("dest", dest),
		zap.Int("state_bytes", size),
		zap.Int("fragments", (size+chunk-1)/chunk))
	return m, nil
}

// ID returns the maker id carried in every fragment.
func (m *Maker[S]) ID() uuid.UUID { return m.id }

// Frames returns the number of frames sent.
func (m *Maker[S]) Frames() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// Set makes s the current state. A running Maker sends it promptly; states
// set faster than they can be sent are coalesced.
func (m *Maker[S]) Set(s S) {
	m.mu.Lock()
	m.state = s
	m.have = true
	m.mu.Unlock()
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Broadcast sends s as a new frame now, independently of Set.
func (m *Maker[S]) Broadcast(s S) error {
	data, err := encodeState(&s, m.size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.frame++
	frame := m.frame
	m.mu.Unlock()

	id := m.id.String()
	p := osc.NewPacket(m.opts.packetSize)
	for off := 0; off < len(data); off += m.chunk {
		end := off + m.chunk
		if end > len(data) {
			end = len(data)
		}
		p.Clear()
		p.BeginMessage(FrameAddress).
			String(id).
			Int32(int32(frame)).
			Int32(int32(off)).
			Int32(int32(len(data))).
			Blob(data[off:end]).
			EndMessage()
		if err := m.send.SendPacket(p); err != nil {
			return errors.Wrapf(err, "statesync: frame %d", frame)
		}
	}
	return nil
}

// Start runs the sending goroutine. Calling Start on a running Maker does
// nothing.
func (m *Maker[S]) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
}

func (m *Maker[S]) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var tick <-chan time.Time
	if m.opts.interval > 0 {
		t := time.NewTicker(m.opts.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-m.changed:
		case <-tick:
		}
		m.mu.Lock()
		s, have := m.state, m.have
		m.mu.Unlock()
		if !have {
			continue
		}
		if err := m.Broadcast(s); err != nil {
			m.opts.log.Warn("state broadcast failed", zap.Error(err))
		}
	}
}

// Stop ends the sending goroutine and waits for it.
func (m *Maker[S]) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

// Close stops sending and closes the socket.
func (m *Maker[S]) Close() error {
	m.Stop()
	return m.send.Close()
}
