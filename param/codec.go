package param

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/showcontroller/oscparam/osc"
)

var (
	// ErrTypeMismatch is returned when an incoming message's type tags don't
	// match what the parameter expects.
	ErrTypeMismatch = errors.New("param: type tag mismatch")
	// ErrNotRoutable is returned when registering a parameter that has no
	// OSC codec.
	ErrNotRoutable = errors.New("param: parameter has no OSC codec")
)

// Codec converts a parameter value to and from OSC arguments.
type Codec[T any] interface {
	// TypeTags returns the exact type tag string, without the ',', that an
	// incoming message must carry.
	TypeTags() string
	Decode(m *osc.Message) (T, error)
	Encode(p *osc.Packet, v T)
}

// SetCodec makes p routable by a Server.
func (p *Parameter[T]) SetCodec(c Codec[T]) {
	p.cbMu.Lock()
	p.codec = c
	p.cbMu.Unlock()
}

func (p *Parameter[T]) getCodec() Codec[T] {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	return p.codec
}

// TypeTags returns the type tags the parameter accepts, or "" without a
// codec.
func (p *Parameter[T]) TypeTags() string {
	if c := p.getCodec(); c != nil {
		return c.TypeTags()
	}
	return ""
}

func (p *Parameter[T]) routable() bool {
	return p.getCodec() != nil
}

// setFromMessage decodes m and stores the value with SetNoCalls.
func (p *Parameter[T]) setFromMessage(m *osc.Message, blockReceiver any) error {
	c := p.getCodec()
	if c == nil {
		return ErrNotRoutable
	}
	if m.TypeTags() != c.TypeTags() {
		return errors.Wrapf(ErrTypeMismatch, "%s expects ,%s, got ,%s", p.fullAddress, c.TypeTags(), m.TypeTags())
	}
	v, err := c.Decode(m.ResetStream())
	if err != nil {
		return errors.Wrapf(err, "decoding %s", p.fullAddress)
	}
	p.SetNoCalls(v, blockReceiver)
	return nil
}

// encodeMessage appends a message carrying v at the parameter's address.
func (p *Parameter[T]) encodeMessage(pk *osc.Packet, v T) {
	pk.BeginMessage(p.fullAddress)
	p.getCodec().Encode(pk, v)
	pk.EndMessage()
}

func (p *Parameter[T]) encodeCurrent(pk *osc.Packet) {
	p.encodeMessage(pk, p.Get())
}

// watch registers a change callback that hands out an encoder for the new
// value.
func (p *Parameter[T]) watch(f func(encode func(*osc.Packet), blockSender any)) Subscription {
	return p.RegisterChangeCallback(func(v T, _ *Parameter[T], blockSender any) {
		f(func(pk *osc.Packet) { p.encodeMessage(pk, v) }, blockSender)
	})
}

type float32Codec struct{}

func (float32Codec) TypeTags() string { return "f" }

func (float32Codec) Decode(m *osc.Message) (float32, error) {
	v, err := m.Float32()
	if err != nil {
		return 0, err
	}
	return v, rejectNaN(v)
}

// rejectNaN fails on any NaN component.
func rejectNaN(vs ...float32) error {
	for _, v := range vs {
		if math.IsNaN(float64(v)) {
			return errors.Wrap(ErrTypeMismatch, "NaN argument")
		}
	}
	return nil
}

func (float32Codec) Encode(p *osc.Packet, v float32) { p.Float32(v) }

type int32Codec struct{}

func (int32Codec) TypeTags() string { return "i" }

func (int32Codec) Decode(m *osc.Message) (int32, error) { return m.Int32() }

func (int32Codec) Encode(p *osc.Packet, v int32) { p.Int32(v) }

type stringCodec struct{}

func (stringCodec) TypeTags() string { return "s" }

func (stringCodec) Decode(m *osc.Message) (string, error) { return m.String() }

func (stringCodec) Encode(p *osc.Packet, v string) { p.String(v) }

type vec3Codec struct{}

func (vec3Codec) TypeTags() string { return "fff" }

func (vec3Codec) Decode(m *osc.Message) (mgl32.Vec3, error) {
	var v mgl32.Vec3
	if err := m.Scan(&v[0], &v[1], &v[2]); err != nil {
		return v, err
	}
	return v, rejectNaN(v[:]...)
}

func (vec3Codec) Encode(p *osc.Packet, v mgl32.Vec3) {
	p.Float32(v[0]).Float32(v[1]).Float32(v[2])
}

type vec4Codec struct{}

func (vec4Codec) TypeTags() string { return "ffff" }

func (vec4Codec) Decode(m *osc.Message) (mgl32.Vec4, error) {
	var v mgl32.Vec4
	if err := m.Scan(&v[0], &v[1], &v[2], &v[3]); err != nil {
		return v, err
	}
	return v, rejectNaN(v[:]...)
}

func (vec4Codec) Encode(p *osc.Packet, v mgl32.Vec4) {
	p.Float32(v[0]).Float32(v[1]).Float32(v[2]).Float32(v[3])
}

// Float32Codec, Int32Codec, StringCodec, Vec3Codec and Vec4Codec are the
// codecs installed by the variant constructors.
var (
	Float32Codec Codec[float32]    = float32Codec{}
	Int32Codec   Codec[int32]      = int32Codec{}
	StringCodec  Codec[string]     = stringCodec{}
	Vec3Codec    Codec[mgl32.Vec3] = vec3Codec{}
	Vec4Codec    Codec[mgl32.Vec4] = vec4Codec{}
)
