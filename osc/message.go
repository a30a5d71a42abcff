package osc

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Message is a received OSC message. It wraps the bytes it was decoded from
// and is only valid for the duration of the OnMessage call it is handed to;
// handlers must not retain it. Blob arguments alias the receive buffer.
//
// Arguments are read in order through a cursor:
//
//	var s string
//	var i int32
//	var f float32
//	if err := m.Scan(&s, &i, &f); err != nil { ... }
type Message struct {
	address  string
	typeTags string
	timeTag  TimeTag
	sender   string

	args   []byte
	argIdx int
	pos    int
}

// NewMessageFromData decodes a message from data, which must start with the
// address pattern. The whole argument section is validated against the type
// tags, so a truncated message is reported here and not when extracting.
func NewMessageFromData(data []byte, tt TimeTag, sender string) (*Message, error) {
	m := &Message{timeTag: tt, sender: sender}
	if err := m.decode(data); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) decode(data []byte) error {
	if len(data) == 0 || data[0] != '/' {
		return errors.Wrap(ErrMalformedPacket, "message does not start with '/'")
	}
	if len(data)%bit32Size != 0 {
		return errors.Wrapf(ErrMalformedPacket, "message size %d is not a multiple of 4", len(data))
	}

	addr, n, err := parsePaddedString(data, 0)
	if err != nil {
		return errors.Wrap(err, "reading address pattern")
	}
	m.address = addr
	pos := n

	// A message without a type tag string is an older OSC form with no
	// arguments.
	if pos == len(data) {
		m.args = data[pos:]
		return nil
	}

	tags, n, err := parsePaddedString(data, pos)
	if err != nil {
		return errors.Wrap(err, "reading type tags")
	}
	if len(tags) == 0 || tags[0] != ',' {
		return errors.Wrapf(ErrMalformedPacket, "type tag string %q does not start with ','", tags)
	}
	m.typeTags = tags[1:]
	pos += n

	m.args = data[pos:]
	off := 0
	for i := 0; i < len(m.typeTags); i++ {
		size, err := payloadSize(TypeTag(m.typeTags[i]), m.args[off:])
		if err != nil {
			return errors.Wrapf(err, "argument %d", i)
		}
		if off+size > len(m.args) {
			return errors.Wrapf(ErrMalformedPacket, "argument %d (%c) is truncated", i, m.typeTags[i])
		}
		off += size
	}

	return nil
}

// AddressPattern returns the OSC address pattern.
func (m *Message) AddressPattern() string { return m.address }

// TypeTags returns the type tag string without the leading ','.
func (m *Message) TypeTags() string { return m.typeTags }

// TimeTag returns the time tag inherited from the enclosing bundle. For a
// message received outside of a bundle this is the sentinel passed to the
// parser, usually TimeTagImmediate.
func (m *Message) TimeTag() TimeTag { return m.timeTag }

// Sender returns the address of the peer the message came from, if known.
func (m *Message) Sender() string { return m.sender }

// CountArguments returns the number of arguments.
func (m *Message) CountArguments() int { return len(m.typeTags) }

// ResetStream rewinds the argument cursor to the first argument.
func (m *Message) ResetStream() *Message {
	m.argIdx = 0
	m.pos = 0
	return m
}

// next checks the type of the next argument and returns its offset. The
// cursor is advanced by advance only when the check succeeds.
func (m *Message) next(want ...TypeTag) (TypeTag, int, error) {
	if m.argIdx >= len(m.typeTags) {
		return TypeInvalid, 0, errors.Wrapf(ErrArgumentUnderflow, "%s has %d arguments", m.address, len(m.typeTags))
	}
	got := TypeTag(m.typeTags[m.argIdx])
	for _, w := range want {
		if got == w {
			return got, m.pos, nil
		}
	}
	return got, 0, errors.Wrapf(ErrArgumentTypeMismatch, "argument %d of %s is '%c', want %s", m.argIdx, m.address, got, tagList(want))
}

func (m *Message) advance(n int) {
	m.argIdx++
	m.pos += n
}

func tagList(tags []TypeTag) string {
	s := make([]string, len(tags))
	for i, t := range tags {
		s[i] = fmt.Sprintf("'%c'", t)
	}
	return strings.Join(s, " or ")
}

// Int32 extracts the next argument as an int32.
func (m *Message) Int32() (int32, error) {
	_, pos, err := m.next(TypeInt32)
	if err != nil {
		return 0, err
	}
	v, err := readInt32(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit32Size)
	return v, nil
}

// Int64 extracts the next argument as an int64.
func (m *Message) Int64() (int64, error) {
	_, pos, err := m.next(TypeInt64)
	if err != nil {
		return 0, err
	}
	v, err := readInt64(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit64Size)
	return v, nil
}

// Float32 extracts the next argument as a float32.
func (m *Message) Float32() (float32, error) {
	_, pos, err := m.next(TypeFloat32)
	if err != nil {
		return 0, err
	}
	v, err := readFloat32(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit32Size)
	return v, nil
}

// Float64 extracts the next argument as a double.
func (m *Message) Float64() (float64, error) {
	_, pos, err := m.next(TypeFloat64)
	if err != nil {
		return 0, err
	}
	v, err := readFloat64(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit64Size)
	return v, nil
}

// Char extracts the next argument as a char.
func (m *Message) Char() (Char, error) {
	_, pos, err := m.next(TypeChar)
	if err != nil {
		return 0, err
	}
	v, err := readInt32(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit32Size)
	return Char(v), nil
}

// String extracts the next argument as a string.
func (m *Message) String() (string, error) {
	_, pos, err := m.next(TypeString)
	if err != nil {
		return "", err
	}
	s, n, err := parsePaddedString(m.args, pos)
	if err != nil {
		return "", err
	}
	m.advance(n)
	return s, nil
}

// Blob extracts the next argument as a blob. The returned slice aliases the
// receive buffer; copy it to keep it past the OnMessage call.
func (m *Message) Blob() (Blob, error) {
	_, pos, err := m.next(TypeBlob)
	if err != nil {
		return nil, err
	}
	b, n, err := parseBlob(m.args, pos)
	if err != nil {
		return nil, err
	}
	m.advance(n)
	return b, nil
}

// Bool extracts the next argument, which must be True or False.
func (m *Message) Bool() (bool, error) {
	tag, _, err := m.next(TypeTrue, TypeFalse)
	if err != nil {
		return false, err
	}
	m.advance(0)
	return tag == TypeTrue, nil
}

// TimeTagArg extracts the next argument as a time tag.
func (m *Message) TimeTagArg() (TimeTag, error) {
	_, pos, err := m.next(TypeTimeTag)
	if err != nil {
		return 0, err
	}
	v, err := readInt64(m.args, pos)
	if err != nil {
		return 0, err
	}
	m.advance(bit64Size)
	return TimeTag(v), nil
}

// Skip moves the cursor past the next argument, whatever its type.
func (m *Message) Skip() error {
	if m.argIdx >= len(m.typeTags) {
		return errors.Wrapf(ErrArgumentUnderflow, "%s has %d arguments", m.address, len(m.typeTags))
	}
	n, err := payloadSize(TypeTag(m.typeTags[m.argIdx]), m.args[m.pos:])
	if err != nil {
		return err
	}
	m.advance(n)
	return nil
}

// Scan extracts consecutive arguments into the given pointers. Supported
// pointer types are *int32, *int, *int64, *float32, *float64, *string,
// *Char, *Blob, *[]byte, *bool and *TimeTag. Scanning stops at the first
// error.
func (m *Message) Scan(dst ...interface{}) error {
	for i, d := range dst {
		var err error
		switch v := d.(type) {
		case *int32:
			*v, err = m.Int32()
		case *int:
			var i32 int32
			i32, err = m.Int32()
			*v = int(i32)
		case *int64:
			*v, err = m.Int64()
		case *float32:
			*v, err = m.Float32()
		case *float64:
			*v, err = m.Float64()
		case *string:
			*v, err = m.String()
		case *Char:
			*v, err = m.Char()
		case *Blob:
			*v, err = m.Blob()
		case *[]byte:
			var b Blob
			b, err = m.Blob()
			*v = b
		case *bool:
			*v, err = m.Bool()
		case *TimeTag:
			*v, err = m.TimeTagArg()
		default:
			return errors.Errorf("osc: Scan: unsupported destination %T", d)
		}
		if err != nil {
			return errors.Wrapf(err, "scanning argument %d", i)
		}
	}
	return nil
}

// Arguments decodes all arguments, independently of the cursor.
func (m *Message) Arguments() ([]interface{}, error) {
	saveIdx, savePos := m.argIdx, m.pos
	defer func() { m.argIdx, m.pos = saveIdx, savePos }()
	m.ResetStream()

	args := make([]interface{}, 0, len(m.typeTags))
	for i := 0; i < len(m.typeTags); i++ {
		var (
			v   interface{}
			err error
		)
		switch TypeTag(m.typeTags[i]) {
		case TypeInt32:
			v, err = m.Int32()
		case TypeInt64:
			v, err = m.Int64()
		case TypeFloat32:
			v, err = m.Float32()
		case TypeFloat64:
			v, err = m.Float64()
		case TypeString:
			v, err = m.String()
		case TypeChar:
			v, err = m.Char()
		case TypeBlob:
			var b Blob
			b, err = m.Blob()
			v = []byte(b)
		case TypeTrue, TypeFalse:
			v, err = m.Bool()
		case TypeTimeTag:
			v, err = m.TimeTagArg()
		case TypeNil:
			m.advance(0)
		default:
			err = errors.Wrapf(ErrMalformedPacket, "unsupported type tag %q", m.typeTags[i])
		}
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// Print writes the address, type tags, time tag and arguments to w.
func (m *Message) Print(w io.Writer) {
	fmt.Fprintf(w, "%s, %s %d\n", m.address, m.typeTags, uint64(m.timeTag))
	fmt.Fprintf(w, "\targs = (%s)\n", m.formatArgs(", "))
}

func (m *Message) formatArgs(sep string) string {
	args, err := m.Arguments()
	if err != nil {
		return "?"
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		switch a := arg.(type) {
		case nil:
			parts[i] = "Nil"
		case []byte:
			parts[i] = "blob"
		case Char:
			parts[i] = fmt.Sprintf("'%c'", byte(a))
		case TimeTag:
			parts[i] = fmt.Sprintf("%d", uint64(a))
		default:
			parts[i] = fmt.Sprintf("%v", a)
		}
	}
	return strings.Join(parts, sep)
}

// Format implements fmt.Formatter so a Message prints as
// "/address ,tags arg1 arg2".
func (m *Message) Format(f fmt.State, verb rune) {
	var sb strings.Builder
	sb.WriteString(m.address)
	if len(m.typeTags) > 0 {
		sb.WriteString(" ,")
		sb.WriteString(m.typeTags)
		sb.WriteByte(' ')
		sb.WriteString(m.formatArgs(" "))
	}
	io.WriteString(f, sb.String())
}
