package osc

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	bit32Size = 4
	bit64Size = 8

	// MaxPacketSize is the default upper bound for a single UDP packet.
	MaxPacketSize = 4096

	bundleTagString = "#bundle"
)

// TypeTag is one character of an OSC Type Tag String.
type TypeTag byte

const (
	TypeInt32   TypeTag = 'i'
	TypeFloat32 TypeTag = 'f'
	TypeFloat64 TypeTag = 'd'
	TypeString  TypeTag = 's'
	TypeChar    TypeTag = 'c'
	TypeBlob    TypeTag = 'b'
	TypeInt64   TypeTag = 'h'
	TypeTimeTag TypeTag = 't'
	TypeTrue    TypeTag = 'T'
	TypeFalse   TypeTag = 'F'
	TypeNil     TypeTag = 'N'
	TypeInvalid TypeTag = 0
)

var (
	// ErrMalformedPacket is returned when wire bytes don't match OSC framing.
	ErrMalformedPacket = errors.New("osc: malformed packet")
	// ErrArgumentUnderflow is returned when reading past the last argument.
	ErrArgumentUnderflow = errors.New("osc: argument underflow")
	// ErrArgumentTypeMismatch is returned when the requested type doesn't
	// match the type tag of the next argument.
	ErrArgumentTypeMismatch = errors.New("osc: argument type mismatch")
)

// Blob is an OSC blob argument.
type Blob []byte

// Char is an OSC char argument ('c').
type Char byte

// ToTypeTag returns the OSC type tag for the given argument, or TypeInvalid
// if the argument type is unsupported.
func ToTypeTag(arg interface{}) TypeTag {
	switch t := arg.(type) {
	case bool:
		if t {
			return TypeTrue
		}
		return TypeFalse
	case nil:
		return TypeNil
	case int32, int:
		return TypeInt32
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case string:
		return TypeString
	case Char:
		return TypeChar
	case []byte, Blob:
		return TypeBlob
	case int64:
		return TypeInt64
	case TimeTag:
		return TypeTimeTag
	default:
		return TypeInvalid
	}
}

// payloadSize returns the number of argument bytes a tag needs at the head of
// data, or -1 for a tag this codec doesn't know.
func payloadSize(tag TypeTag, data []byte) (int, error) {
	switch tag {
	case TypeInt32, TypeFloat32, TypeChar:
		return bit32Size, nil
	case TypeFloat64, TypeInt64, TypeTimeTag:
		return bit64Size, nil
	case TypeTrue, TypeFalse, TypeNil:
		return 0, nil
	case TypeString:
		_, n, err := parsePaddedString(data, 0)
		return n, err
	case TypeBlob:
		_, n, err := parseBlob(data, 0)
		return n, err
	}
	return -1, errors.Wrapf(ErrMalformedPacket, "unsupported type tag %q", byte(tag))
}

////
// Encoding
////

// padBytesNeeded determines how many bytes are needed to fill up to the next
// 4 byte length.
func padBytesNeeded(elementLen int) int {
	return (4 - (elementLen % 4)) % 4
}

func appendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

func appendInt64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func appendFloat32(b []byte, v float32) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(v))
}

func appendFloat64(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

// appendPaddedString writes str, a NUL terminator and zero padding up to the
// next multiple of 4.
func appendPaddedString(b []byte, str string) []byte {
	b = append(b, str...)
	b = append(b, 0)
	for i := padBytesNeeded(len(str) + 1); i > 0; i-- {
		b = append(b, 0)
	}
	return b
}

// appendBlob writes the length prefix, the data and the zero padding.
func appendBlob(b []byte, data []byte) []byte {
	b = appendInt32(b, int32(len(data)))
	b = append(b, data...)
	for i := padBytesNeeded(len(data)); i > 0; i-- {
		b = append(b, 0)
	}
	return b
}

////
// Decoding
////

func overrun(what string, pos, need, have int) error {
	return errors.Wrapf(ErrMalformedPacket, "%s at offset %d needs %d bytes, %d left", what, pos, need, have-pos)
}

func readInt32(data []byte, pos int) (int32, error) {
	if pos < 0 || pos+bit32Size > len(data) {
		return 0, overrun("int32", pos, bit32Size, len(data))
	}
	return int32(binary.BigEndian.Uint32(data[pos:])), nil
}

func readInt64(data []byte, pos int) (int64, error) {
	if pos < 0 || pos+bit64Size > len(data) {
		return 0, overrun("int64", pos, bit64Size, len(data))
	}
	return int64(binary.BigEndian.Uint64(data[pos:])), nil
}

func readFloat32(data []byte, pos int) (float32, error) {
	i, err := readInt32(data, pos)
	return math.Float32frombits(uint32(i)), err
}

func readFloat64(data []byte, pos int) (float64, error) {
	i, err := readInt64(data, pos)
	return math.Float64frombits(uint64(i)), err
}

// parsePaddedString reads a padded string starting at pos and returns the
// string and the number of bytes it occupies, padding included.
func parsePaddedString(data []byte, pos int) (string, int, error) {
	if pos < 0 || pos >= len(data) {
		return "", 0, overrun("string", pos, 1, len(data))
	}
	end := bytes.IndexByte(data[pos:], 0)
	if end == -1 {
		return "", 0, errors.Wrapf(ErrMalformedPacket, "unterminated string at offset %d", pos)
	}
	n := end + 1
	n += padBytesNeeded(n)
	if pos+n > len(data) {
		return "", 0, overrun("string padding", pos, n, len(data))
	}
	return string(data[pos : pos+end]), n, nil
}

// parseBlob reads an OSC blob starting at pos. The returned slice aliases
// data; padding bytes are skipped but not returned.
func parseBlob(data []byte, pos int) ([]byte, int, error) {
	size, err := readInt32(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 {
		return nil, 0, errors.Wrapf(ErrMalformedPacket, "negative blob length %d", size)
	}
	blobLen := int(size)
	n := bit32Size + blobLen
	n += padBytesNeeded(n)
	if pos+n > len(data) {
		return nil, 0, overrun("blob", pos, n, len(data))
	}
	start := pos + bit32Size
	return data[start : start+blobLen : start+blobLen], n, nil
}
