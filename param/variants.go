package param

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Default range of a float parameter.
const (
	DefaultMin float32 = -99999.0
	DefaultMax float32 = 99999.0
)

// Parameter types created by the constructors below.
type (
	Float  = Parameter[float32]
	Int    = Parameter[int32]
	String = Parameter[string]
	Vec3   = Parameter[mgl32.Vec3]
	Vec4   = Parameter[mgl32.Vec4]
)

// NewFloat returns a float parameter served as 'f' with the range
// [DefaultMin, DefaultMax].
func NewFloat(name, group string, def float32, opts ...Option) *Float {
	return newRanged(name, group, def, DefaultMin, DefaultMax, Float32Codec, opts)
}

// NewFloatRange returns a float parameter clamped to [min, max].
func NewFloatRange(name, group string, def, min, max float32, opts ...Option) *Float {
	return newRanged(name, group, def, min, max, Float32Codec, opts)
}

// NewBool returns an on/off parameter. It is a float with range [0, 1], so
// it interoperates with controllers that send 'f' values.
func NewBool(name, group string, def bool, opts ...Option) *Float {
	return NewBoolRange(name, group, def, 0, 1, opts...)
}

// NewBoolRange returns an on/off parameter whose off and on values are
// chosen by the caller. off must be below on.
func NewBoolRange(name, group string, def bool, off, on float32, opts ...Option) *Float {
	v := off
	if def {
		v = on
	}
	return newRanged(name, group, v, off, on, Float32Codec, opts)
}

// BoolValue interprets a float parameter as on/off. Anything above half the
// range is on.
func BoolValue(p *Float) bool {
	min, max, ok := p.Range()
	if !ok {
		return p.Get() != 0
	}
	return p.Get() > min+(max-min)/2
}

// NewInt returns an integer parameter served as 'i'.
func NewInt(name, group string, def, min, max int32, opts ...Option) *Int {
	return newRanged(name, group, def, min, max, Int32Codec, opts)
}

// NewString returns a string parameter served as 's'.
func NewString(name, group, def string, opts ...Option) *String {
	p := NewValue(name, group, def, opts...)
	p.SetCodec(StringCodec)
	return p
}

// NewVec3 returns a 3 component vector parameter served as 'fff'.
func NewVec3(name, group string, def mgl32.Vec3, opts ...Option) *Vec3 {
	p := NewValue(name, group, def, opts...)
	p.SetCodec(Vec3Codec)
	return p
}

// NewVec4 returns a 4 component vector parameter served as 'ffff'.
func NewVec4(name, group string, def mgl32.Vec4, opts ...Option) *Vec4 {
	p := NewValue(name, group, def, opts...)
	p.SetCodec(Vec4Codec)
	return p
}

func newRanged[T float32 | int32](name, group string, def, min, max T, c Codec[T], opts []Option) *Parameter[T] {
	p := NewParameter(name, group, def, min, max, opts...)
	p.SetCodec(c)
	return p
}
