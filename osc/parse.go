package osc

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxDepth is the bundle nesting limit used when Parser.MaxDepth is 0.
const DefaultMaxDepth = 32

// PacketHandler receives every message decoded from a packet, depth first and
// in wire order.
type PacketHandler interface {
	OnMessage(msg *Message)
}

// HandlerFunc adapts a function to the PacketHandler interface.
type HandlerFunc func(msg *Message)

// OnMessage calls f(msg).
func (f HandlerFunc) OnMessage(msg *Message) {
	f(msg)
}

// Parser walks a packet and delivers its messages to a PacketHandler.
//
// A malformed element is logged and skipped. Siblings of a malformed element
// are still delivered as long as the size prefix of the enclosing bundle is
// sound. A panic raised by the handler is recovered, logged and does not stop
// the walk.
type Parser struct {
	// Logger receives diagnostics. Defaults to zap.L().Named("osc.parser").
	Logger *zap.Logger
	// MaxDepth limits bundle nesting. 0 means DefaultMaxDepth, a negative
	// value disables the limit.
	MaxDepth int
}

// Parse parses data with a zero-value Parser.
func Parse(data []byte, tt TimeTag, sender string, h PacketHandler) error {
	var p Parser
	return p.Parse(data, tt, sender, h)
}

// Parse decodes data, which must hold exactly one message or bundle, and
// calls h for each message. tt is the time tag given to a message that isn't
// inside a bundle. The first error met is returned after the whole packet has
// been walked.
func (p *Parser) Parse(data []byte, tt TimeTag, sender string, h PacketHandler) error {
	w := walker{
		log:      p.logger(),
		maxDepth: p.maxDepth(),
		sender:   sender,
		h:        h,
	}
	w.element(data, tt, 0)
	return w.err
}

func (p *Parser) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.L().Named("osc.parser")
}

func (p *Parser) maxDepth() int {
	if p.MaxDepth == 0 {
		return DefaultMaxDepth
	}
	return p.MaxDepth
}

type walker struct {
	log      *zap.Logger
	maxDepth int
	sender   string
	h        PacketHandler
	err      error
}

func (w *walker) fail(err error) {
	w.log.Warn("dropping malformed OSC element", zap.String("sender", w.sender), zap.Error(err))
	if w.err == nil {
		w.err = err
	}
}

func (w *walker) element(data []byte, tt TimeTag, depth int) {
	if len(data) == 0 {
		w.fail(errors.Wrap(ErrMalformedPacket, "empty element"))
		return
	}
	switch data[0] {
	case '/':
		msg, err := NewMessageFromData(data, tt, w.sender)
		if err != nil {
			w.fail(err)
			return
		}
		w.deliver(msg)
	case '#':
		w.bundle(data, depth)
	default:
		w.fail(errors.Wrapf(ErrMalformedPacket, "element starts with %q", data[0]))
	}
}

func (w *walker) bundle(data []byte, depth int) {
	if w.maxDepth >= 0 && depth >= w.maxDepth {
		w.fail(errors.Wrapf(ErrMalformedPacket, "bundle nesting exceeds %d", w.maxDepth))
		return
	}
	tag, n, err := parsePaddedString(data, 0)
	if err != nil {
		w.fail(errors.Wrap(err, "reading bundle marker"))
		return
	}
	if tag != bundleTagString {
		w.fail(errors.Wrapf(ErrMalformedPacket, "bad bundle marker %q", tag))
		return
	}
	raw, err := readInt64(data, n)
	if err != nil {
		w.fail(errors.Wrap(err, "reading bundle time tag"))
		return
	}
	tt := TimeTag(raw)

	pos := n + bit64Size
	for pos < len(data) {
		size, err := readInt32(data, pos)
		if err != nil {
			w.fail(errors.Wrap(err, "reading bundle element size"))
			return
		}
		pos += bit32Size
		if size < 0 || pos+int(size) > len(data) {
			// Without a trustworthy size the rest of the bundle can't be
			// delimited.
			w.fail(errors.Wrapf(ErrMalformedPacket, "bundle element size %d exceeds the %d bytes left", size, len(data)-pos))
			return
		}
		end := pos + int(size)
		w.element(data[pos:end], tt, depth+1)
		pos = end
	}
}

func (w *walker) deliver(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("recovered panic in OSC handler",
				zap.String("address", msg.AddressPattern()),
				zap.String("sender", w.sender),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	w.h.OnMessage(msg)
}
