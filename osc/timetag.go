package osc

import (
	"time"
)

const (
	// TimeTagImmediate is the special time tag meaning "immediately". Messages
	// that arrive outside of any bundle carry it as a sentinel; it says
	// nothing about when the message was sent.
	TimeTagImmediate TimeTag = 1

	secondsFrom1900To1970 = 2208988800
)

// TimeTag represents an OSC Time Tag.
// Time tags are represented by a 64 bit fixed point number. The first 32 bits
// specify the number of seconds since midnight on January 1, 1900, and the
// last 32 bits specify fractional parts of a second to a precision of about
// 200 picoseconds. This is the representation used by Internet NTP timestamps.
type TimeTag uint64

// NewTimeTag returns the OSC time tag for t.
func NewTimeTag(t time.Time) TimeTag {
	secs := uint64(t.Unix()+secondsFrom1900To1970) << 32
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return TimeTag(secs + frac)
}

// Time converts the time tag to a time.Time.
func (t TimeTag) Time() time.Time {
	secs := int64(t.SecondsSinceEpoch()) - secondsFrom1900To1970
	nanos := (uint64(t.FractionalSecond()) * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nanos))
}

// SecondsSinceEpoch returns the first 32 bits, the number of seconds since
// midnight 1900.
func (t TimeTag) SecondsSinceEpoch() uint32 {
	return uint32(t >> 32)
}

// FractionalSecond returns the last 32 bits, the fractional part of a second.
func (t TimeTag) FractionalSecond() uint32 {
	return uint32(t)
}

// IsImmediate reports whether t is the "immediately" sentinel.
func (t TimeTag) IsImmediate() bool {
	return t <= TimeTagImmediate
}

// ExpiresIn calculates the duration until the time tag is reached. It returns
// zero if the time tag is immediate or in the past.
func (t TimeTag) ExpiresIn() time.Duration {
	if t.IsImmediate() {
		return 0
	}

	d := time.Until(t.Time())
	if d <= 0 {
		return 0
	}

	return d
}
