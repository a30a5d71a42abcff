package statesync

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/showcontroller/oscparam/osc"
)

// Stats counts what a Taker has received.
type Stats struct {
	Fragments uint64 // fragments accepted into a frame
	Frames    uint64 // complete states queued
	Stale     uint64 // fragments of frames older than the newest seen
	Foreign   uint64 // fragments from makers not being followed
	Invalid   uint64 // fragments that do not fit the state type
	Lost      uint64 // incomplete frames abandoned for a newer one
	Overflow  uint64 // queued states dropped because Get was not called
}

type assembly struct {
	active  bool
	frame   uint32
	data    []byte
	covered []bool // per byte of data
	filled  int
}

// add copies chunk in at offset and reports whether it covered any byte
// not covered before.
func (a *assembly) add(offset int, chunk []byte) bool {
	copy(a.data[offset:], chunk)
	added := 0
	for i := offset; i < offset+len(chunk); i++ {
		if !a.covered[i] {
			a.covered[i] = true
			added++
		}
	}
	a.filled += added
	return added > 0
}

// Taker receives the states of a Maker.
//
//	t, err := statesync.NewTaker[State](":9100")
//	t.Start()
//	defer t.Close()
//	for t.Get(&state) > 0 { ... }
type Taker[S any] struct {
	recv *osc.Recv
	size int
	opts options

	mu        sync.Mutex
	maker     uuid.UUID
	lastSeen  time.Time
	lastFrame uint32
	haveLast  bool
	asm       assembly
	queue     []S
	stats     Stats
}

// NewTaker binds addr ("host:port"). When host is a multicast group the
// socket binds the port on all interfaces and joins the group on every
// multicast-capable IPv4 interface.
func NewTaker[S any](addr string, opts ...Option) (*Taker[S], error) {
	size, err := stateSize[S]()
	if err != nil {
		return nil, err
	}
	o := newOptions("statesync.taker", opts)
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	group := net.ParseIP(host)
	bind := addr
	if group != nil && group.IsMulticast() {
		bind = net.JoinHostPort("", strconv.Itoa(port))
	}

	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(context.Background(), "udp4", bind)
	if err != nil {
		return nil, errors.Wrapf(err, "statesync: binding %s", bind)
	}
	if group != nil && group.IsMulticast() {
		if err := joinGroup(ipv4.NewPacketConn(pc), group, o.log); err != nil {
			pc.Close()
			return nil, err
		}
	}

	t := &Taker[S]{size: size, opts: o}
	t.recv = &osc.Recv{Handler: t, Logger: o.log}
	if err := t.recv.Attach(pc); err != nil {
		pc.Close()
		return nil, err
	}
	return t, nil
}

func joinGroup(p *ipv4.PacketConn, group net.IP, log *zap.Logger) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return errors.Wrap(err, "statesync: listing interfaces")
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || !hasIPv4(addrs) {
			continue
		}
		if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			log.Debug("join failed", zap.String("iface", iface.Name), zap.Stringer("group", group), zap.Error(err))
			continue
		}
		log.Debug("joined group", zap.String("iface", iface.Name), zap.Stringer("group", group))
		joined++
	}
	if joined == 0 {
		return errors.Errorf("statesync: could not join %s on any interface", group)
	}
	return nil
}

func hasIPv4(addrs []net.Addr) bool {
	for _, a := range addrs {
		if strings.Contains(a.String(), ".") {
			return true
		}
	}
	return false
}

// LocalAddr returns the bound address.
func (t *Taker[S]) LocalAddr() net.Addr { return t.recv.LocalAddr() }

// Start runs the receiving goroutine.
func (t *Taker[S]) Start() error { return t.recv.Start() }

// Close stops receiving and closes the socket.
func (t *Taker[S]) Close() error { return t.recv.Close() }

// Maker returns the id of the maker being followed, or uuid.Nil.
func (t *Taker[S]) Maker() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maker
}

// Stats returns the reception counters.
func (t *Taker[S]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Get pops every queued state, stores the newest in s and returns how many
// were popped. s is left alone when nothing was queued.
func (t *Taker[S]) Get(s *S) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.queue)
	if n == 0 {
		return 0
	}
	*s = t.queue[n-1]
	var zero S
	for i := range t.queue {
		t.queue[i] = zero
	}
	t.queue = t.queue[:0]
	return n
}

// OnMessage implements osc.PacketHandler.
func (t *Taker[S]) OnMessage(m *osc.Message) {
	if m.AddressPattern() != FrameAddress {
		return
	}
	var (
		idStr               string
		frame, offset, size int32
		chunk               []byte
	)
	if m.TypeTags() != frameTypeTags {
		t.invalid(m, errors.Errorf("type tags ,%s", m.TypeTags()))
		return
	}
	if err := m.Scan(&idStr, &frame, &offset, &size, &chunk); err != nil {
		t.invalid(m, err)
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		t.invalid(m, err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.follow(id, m.Sender()) {
		t.stats.Foreign++
		return
	}
	if int(size) != t.size || offset < 0 || int(offset)+len(chunk) > t.size {
		t.stats.Invalid++
		t.opts.log.Warn("state fragment does not fit",
			zap.String("sender", m.Sender()),
			zap.Int32("size", size),
			zap.Int("want", t.size),
			zap.Int32("offset", offset),
			zap.Int("chunk", len(chunk)))
		return
	}
	f := uint32(frame)
	if t.haveLast && int32(f-t.lastFrame) <= 0 {
		t.stats.Stale++
		return
	}
	if t.asm.active && f != t.asm.frame {
		if int32(f-t.asm.frame) < 0 {
			t.stats.Stale++
			return
		}
		t.stats.Lost++
		t.asm.active = false
	}
	if !t.asm.active {
		t.startAssembly(f)
	}

	if t.asm.add(int(offset), chunk) {
		t.stats.Fragments++
	}
	if t.asm.filled < t.size {
		return
	}

	t.asm.active = false
	t.lastFrame, t.haveLast = f, true
	var s S
	if err := decodeState(t.asm.data, &s); err != nil {
		t.stats.Invalid++
		t.opts.log.Warn("dropping state", zap.Uint32("frame", f), zap.Error(err))
		return
	}
	if len(t.queue) == t.opts.queueSize {
		t.stats.Overflow++
		copy(t.queue, t.queue[1:])
		t.queue = t.queue[:len(t.queue)-1]
	}
	t.queue = append(t.queue, s)
	t.stats.Frames++
}

func (t *Taker[S]) invalid(m *osc.Message, err error) {
	t.mu.Lock()
	t.stats.Invalid++
	t.mu.Unlock()
	t.opts.log.Warn("malformed state fragment", zap.String("sender", m.Sender()), zap.Error(err))
}

// follow reports whether fragments from id are accepted, switching to id
// when no maker is followed or the current one has gone quiet.
func (t *Taker[S]) follow(id uuid.UUID, sender string) bool {
	now := time.Now()
	if t.opts.maker != uuid.Nil && id != t.opts.maker {
		return false
	}
	if id != t.maker {
		if t.maker != uuid.Nil && now.Sub(t.lastSeen) < t.opts.switchAfter {
			return false
		}
		t.opts.log.Info("following state maker", zap.Stringer("id", id), zap.String("sender", sender))
		t.maker = id
		t.haveLast = false
		t.asm.active = false
	}
	t.lastSeen = now
	return true
}

func (t *Taker[S]) startAssembly(frame uint32) {
	if t.asm.data == nil {
		t.asm.data = make([]byte, t.size)
		t.asm.covered = make([]bool, t.size)
	}
	for i := range t.asm.covered {
		t.asm.covered[i] = false
	}
	t.asm.active = true
	t.asm.frame = frame
	t.asm.filled = 0
}
