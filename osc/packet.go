package osc

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type levelKind int

const (
	levelMessage levelKind = iota + 1
	levelBundle
)

// level is the scratch space for one open message or bundle. Its contents
// are copied with their size prefix into the parent when the level closes.
type level struct {
	kind    levelKind
	address string
	timeTag TimeTag
	tags    []byte
	buf     []byte
}

// Packet assembles one top-level OSC message or bundle into a contiguous
// byte buffer. Bundles and messages are opened and closed with a stack
// discipline:
//
//	var p osc.Packet
//	p.BeginBundle(osc.TimeTagImmediate).
//		BeginMessage("/a").Int32(1).EndMessage().
//		BeginMessage("/b").String("x").EndMessage().
//		EndBundle()
//
// Unbalanced Begin/End calls are programmer errors and panic. Clear keeps
// the allocated buffers so a Packet can be reused without allocating.
// A Packet is not safe for concurrent use.
type Packet struct {
	data   []byte
	levels []level
	depth  int
}

// NewPacket returns a Packet whose buffer has room for size bytes.
func NewPacket(size int) *Packet {
	return &Packet{data: make([]byte, 0, size)}
}

func (p *Packet) push(kind levelKind) *level {
	if p.depth == 0 && len(p.data) > 0 {
		panic("osc: packet already holds a complete message or bundle, call Clear first")
	}
	if parent := p.top(); parent != nil && parent.kind != levelBundle {
		panic("osc: messages can only be nested inside bundles")
	}
	if p.depth == len(p.levels) {
		p.levels = append(p.levels, level{})
	}
	l := &p.levels[p.depth]
	l.kind = kind
	l.tags = l.tags[:0]
	l.buf = l.buf[:0]
	p.depth++
	return l
}

func (p *Packet) top() *level {
	if p.depth == 0 {
		return nil
	}
	return &p.levels[p.depth-1]
}

// pop closes the innermost level, which must be of the given kind.
func (p *Packet) pop(kind levelKind) *level {
	l := p.top()
	if l == nil || l.kind != kind {
		if kind == levelMessage {
			panic("osc: EndMessage without matching BeginMessage")
		}
		panic("osc: EndBundle without matching BeginBundle")
	}
	p.depth--
	return l
}

// dest returns the buffer a closed element of the given size is written
// to. Inside a bundle the element is preceded by its size.
func (p *Packet) dest(size int) *[]byte {
	if p.depth == 0 {
		return &p.data
	}
	parent := &p.levels[p.depth-1]
	parent.buf = appendInt32(parent.buf, int32(size))
	return &parent.buf
}

// BeginBundle opens a bundle with the given time tag.
func (p *Packet) BeginBundle(tt TimeTag) *Packet {
	l := p.push(levelBundle)
	l.timeTag = tt
	return p
}

// EndBundle closes the innermost bundle.
func (p *Packet) EndBundle() *Packet {
	l := p.pop(levelBundle)
	size := len(bundleTagString) + 1 + bit64Size + len(l.buf)
	out := p.dest(size)
	*out = appendPaddedString(*out, bundleTagString)
	*out = appendInt64(*out, int64(l.timeTag))
	*out = append(*out, l.buf...)
	return p
}

// BeginMessage opens a message for the given address pattern.
func (p *Packet) BeginMessage(address string) *Packet {
	l := p.push(levelMessage)
	l.address = address
	l.tags = append(l.tags, ',')
	return p
}

// EndMessage closes the innermost message and writes its type tag string
// in front of the arguments.
func (p *Packet) EndMessage() *Packet {
	l := p.pop(levelMessage)
	addrLen := len(l.address) + 1
	addrLen += padBytesNeeded(addrLen)
	tagsLen := len(l.tags) + 1
	tagsLen += padBytesNeeded(tagsLen)
	out := p.dest(addrLen + tagsLen + len(l.buf))
	*out = appendPaddedString(*out, l.address)
	*out = append(*out, l.tags...)
	*out = append(*out, 0)
	for i := padBytesNeeded(len(l.tags) + 1); i > 0; i-- {
		*out = append(*out, 0)
	}
	*out = append(*out, l.buf...)
	return p
}

// AddMessage appends a complete message with the given arguments.
func (p *Packet) AddMessage(address string, args ...interface{}) error {
	if err := checkArgs(args); err != nil {
		return err
	}
	p.BeginMessage(address)
	p.add(args)
	p.EndMessage()
	return nil
}

func (p *Packet) arg(tag TypeTag) *level {
	l := p.top()
	if l == nil || l.kind != levelMessage {
		panic("osc: argument appended outside of a message")
	}
	l.tags = append(l.tags, byte(tag))
	return l
}

// Int32 appends an int32 argument.
func (p *Packet) Int32(v int32) *Packet {
	l := p.arg(TypeInt32)
	l.buf = appendInt32(l.buf, v)
	return p
}

// Int appends an int argument, encoded as int32.
func (p *Packet) Int(v int) *Packet {
	return p.Int32(int32(v))
}

// Int64 appends an int64 argument.
func (p *Packet) Int64(v int64) *Packet {
	l := p.arg(TypeInt64)
	l.buf = appendInt64(l.buf, v)
	return p
}

// Float32 appends a float32 argument.
func (p *Packet) Float32(v float32) *Packet {
	l := p.arg(TypeFloat32)
	l.buf = appendFloat32(l.buf, v)
	return p
}

// Float64 appends a double argument.
func (p *Packet) Float64(v float64) *Packet {
	l := p.arg(TypeFloat64)
	l.buf = appendFloat64(l.buf, v)
	return p
}

// Char appends a char argument. It occupies 4 bytes on the wire.
func (p *Packet) Char(v Char) *Packet {
	l := p.arg(TypeChar)
	l.buf = appendInt32(l.buf, int32(v))
	return p
}

// String appends a string argument.
func (p *Packet) String(v string) *Packet {
	l := p.arg(TypeString)
	l.buf = appendPaddedString(l.buf, v)
	return p
}

// Blob appends a blob argument.
func (p *Packet) Blob(v []byte) *Packet {
	l := p.arg(TypeBlob)
	l.buf = appendBlob(l.buf, v)
	return p
}

// Bool appends a True or False argument. Neither has payload bytes.
func (p *Packet) Bool(v bool) *Packet {
	if v {
		p.arg(TypeTrue)
	} else {
		p.arg(TypeFalse)
	}
	return p
}

// Nil appends a Nil argument.
func (p *Packet) Nil() *Packet {
	p.arg(TypeNil)
	return p
}

// TimeTagArg appends a time tag argument.
func (p *Packet) TimeTagArg(tt TimeTag) *Packet {
	l := p.arg(TypeTimeTag)
	l.buf = appendInt64(l.buf, int64(tt))
	return p
}

// Add appends arguments to the open message, choosing the OSC type from
// the Go type. No argument is appended if any of them is unsupported.
func (p *Packet) Add(args ...interface{}) error {
	if err := checkArgs(args); err != nil {
		return err
	}
	p.add(args)
	return nil
}

func checkArgs(args []interface{}) error {
	for i, a := range args {
		if ToTypeTag(a) == TypeInvalid {
			return errors.Errorf("osc: unsupported type %T for argument %d", a, i)
		}
	}
	return nil
}

func (p *Packet) add(args []interface{}) {
	for _, a := range args {
		switch t := a.(type) {
		case bool:
			p.Bool(t)
		case nil:
			p.Nil()
		case int32:
			p.Int32(t)
		case int:
			p.Int(t)
		case int64:
			p.Int64(t)
		case float32:
			p.Float32(t)
		case float64:
			p.Float64(t)
		case string:
			p.String(t)
		case Char:
			p.Char(t)
		case []byte:
			p.Blob(t)
		case Blob:
			p.Blob(t)
		case TimeTag:
			p.TimeTagArg(t)
		}
	}
}

// Clear resets the packet without releasing its buffers.
func (p *Packet) Clear() *Packet {
	p.data = p.data[:0]
	p.depth = 0
	return p
}

// Data returns the finished packet bytes. The slice is only valid until the
// packet is modified.
func (p *Packet) Data() []byte {
	return p.data
}

// Size returns the number of bytes of finished packet data.
func (p *Packet) Size() int {
	return len(p.data)
}

// IsMessage reports whether the packet holds a message.
func (p *Packet) IsMessage() bool {
	return len(p.data) > 0 && p.data[0] == '/'
}

// IsBundle reports whether the packet holds a bundle.
func (p *Packet) IsBundle() bool {
	return len(p.data) > 0 && p.data[0] == '#'
}

// PrintRaw writes a hex and ASCII dump of the packet, four bytes per row.
func (p *Packet) PrintRaw(w io.Writer) {
	for i, c := range p.data {
		fmt.Fprintf(w, "%2x ", c)
		if c > ' ' && c < 0x7f {
			fmt.Fprintf(w, " %c     ", c)
		} else {
			fmt.Fprint(w, "       ")
		}
		if (i+1)%4 == 0 {
			fmt.Fprintln(w)
		}
	}
}
