package param

import (
	"cmp"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
)

// ChangeFunc is called after a parameter's value changed. sender is the
// parameter itself. blockSender is the identity passed to SetNoCalls, or nil
// for Set; a callback that recognizes itself as blockSender should not
// propagate the change back to where it came from.
type ChangeFunc[T any] func(value T, sender *Parameter[T], blockSender any)

// ProcessFunc transforms every incoming value before it is stored.
type ProcessFunc[T any] func(value T) T

// Parameter is a named, thread safe value with an OSC address. Writers call
// Set or SetNoCalls from any goroutine; Get never blocks, so it is usable
// from latency sensitive loops.
type Parameter[T any] struct {
	name        string
	group       string
	prefix      string
	fullAddress string

	mu    sync.Mutex
	value T
	// cache holds the last stored value for readers that lose the race for
	// mu.
	cache atomic.Pointer[T]

	cbMu      sync.Mutex
	bounds    *bounds[T]
	process   ProcessFunc[T]
	callbacks []*callback[T]
	nextID    uint64

	codec Codec[T]
}

type bounds[T any] struct {
	min, max T
	clamp    func(T) T
}

type callback[T any] struct {
	id uint64
	fn ChangeFunc[T]
}

// Option configures a parameter at construction.
type Option func(*options)

type options struct {
	prefix string
}

// WithPrefix sets the address prefix placed before the group.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// NewValue returns a parameter without a range. Values of types with no
// meaningful ordering, such as strings and vectors, are stored as given.
func NewValue[T any](name, group string, def T, opts ...Option) *Parameter[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	p := &Parameter[T]{
		name:        name,
		group:       group,
		prefix:      o.prefix,
		fullAddress: FullAddress(o.prefix, group, name),
		value:       def,
	}
	p.publish(def)
	return p
}

// NewParameter returns a parameter clamped to [min, max]. The default value
// is clamped too.
func NewParameter[T cmp.Ordered](name, group string, def, min, max T, opts ...Option) *Parameter[T] {
	p := NewValue(name, group, def, opts...)
	SetRange(p, min, max)
	return p
}

// SetRange installs or replaces the clamp range of p and clamps the current
// value into it. Callbacks are not called.
func SetRange[T cmp.Ordered](p *Parameter[T], min, max T) {
	if max < min {
		min, max = max, min
	}
	b := &bounds[T]{min: min, max: max, clamp: func(v T) T {
		if v != v {
			// NaN
			return min
		}
		if v > max {
			return max
		}
		if v < min {
			return min
		}
		return v
	}}
	p.cbMu.Lock()
	p.bounds = b
	p.cbMu.Unlock()

	p.mu.Lock()
	p.value = b.clamp(p.value)
	p.publish(p.value)
	p.mu.Unlock()
}

// FullAddress joins prefix, group and name into an OSC address starting with
// '/'. Empty parts and redundant slashes are dropped.
func FullAddress(prefix, group, name string) string {
	return path.Join("/", prefix, group, name)
}

// Name returns the parameter name.
func (p *Parameter[T]) Name() string { return p.name }

// Group returns the parameter group.
func (p *Parameter[T]) Group() string { return p.group }

// Prefix returns the address prefix.
func (p *Parameter[T]) Prefix() string { return p.prefix }

// FullAddress returns the OSC address the parameter is served on.
func (p *Parameter[T]) FullAddress() string { return p.fullAddress }

// Range returns the clamp range. ok is false for a parameter without one.
func (p *Parameter[T]) Range() (min, max T, ok bool) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.bounds == nil {
		return min, max, false
	}
	return p.bounds.min, p.bounds.max, true
}

// SetProcessingCallback installs the transform run on every incoming value.
// Only one may be installed; nil removes it.
func (p *Parameter[T]) SetProcessingCallback(fn ProcessFunc[T]) {
	p.cbMu.Lock()
	p.process = fn
	p.cbMu.Unlock()
}

// RegisterChangeCallback appends fn to the callbacks run on every change.
// Callbacks run synchronously, in registration order, on the goroutine that
// set the value.
func (p *Parameter[T]) RegisterChangeCallback(fn ChangeFunc[T]) Subscription {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.nextID++
	id := p.nextID
	// Copy on write so running callbacks can cancel themselves.
	cbs := make([]*callback[T], len(p.callbacks), len(p.callbacks)+1)
	copy(cbs, p.callbacks)
	p.callbacks = append(cbs, &callback[T]{id: id, fn: fn})
	return newSubscription(func() { p.removeCallback(id) })
}

func (p *Parameter[T]) removeCallback(id uint64) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	for i, cb := range p.callbacks {
		if cb.id == id {
			cbs := make([]*callback[T], 0, len(p.callbacks)-1)
			cbs = append(cbs, p.callbacks[:i]...)
			p.callbacks = append(cbs, p.callbacks[i+1:]...)
			return
		}
	}
}

// apply clamps, processes and clamps again so the stored value is always in
// range.
func (p *Parameter[T]) apply(v T) T {
	p.cbMu.Lock()
	b, process := p.bounds, p.process
	p.cbMu.Unlock()
	if b != nil {
		v = b.clamp(v)
	}
	if process != nil {
		v = process(v)
		if b != nil {
			v = b.clamp(v)
		}
	}
	return v
}

func (p *Parameter[T]) store(v T) {
	p.mu.Lock()
	p.value = v
	p.publish(v)
	p.mu.Unlock()
}

func (p *Parameter[T]) publish(v T) {
	p.cache.Store(&v)
}

func (p *Parameter[T]) notify(v T, blockSender any) {
	p.cbMu.Lock()
	cbs := p.callbacks
	p.cbMu.Unlock()
	for _, cb := range cbs {
		cb.fn(v, p, blockSender)
	}
}

// Set stores value and calls every change callback with a nil blockSender.
func (p *Parameter[T]) Set(value T) {
	v := p.apply(value)
	p.store(v)
	p.notify(v, nil)
}

// SetNoCalls stores value without calling the change callbacks. When
// blockReceiver is not nil the callbacks are called after all, with
// blockReceiver as their blockSender, so the originator can recognize and
// skip its own echo.
func (p *Parameter[T]) SetNoCalls(value T, blockReceiver any) {
	v := p.apply(value)
	p.store(v)
	if blockReceiver != nil {
		p.notify(v, blockReceiver)
	}
}

// SetLocking stores value under the lock, skipping the processing callback
// and the change callbacks. The value is still clamped.
func (p *Parameter[T]) SetLocking(value T) {
	p.cbMu.Lock()
	b := p.bounds
	p.cbMu.Unlock()
	if b != nil {
		value = b.clamp(value)
	}
	p.store(value)
}

// Get returns the current value. If a writer holds the lock, the value
// published by the last completed store is returned instead of waiting.
func (p *Parameter[T]) Get() T {
	if p.mu.TryLock() {
		v := p.value
		p.mu.Unlock()
		return v
	}
	return *p.cache.Load()
}

// String formats the address and current value.
func (p *Parameter[T]) String() string {
	return fmt.Sprintf("%s = %v", p.fullAddress, p.Get())
}

// Subscription cancels a callback registration. The zero value is inert.
type Subscription struct {
	cancel *func()
	once   *sync.Once
}

func newSubscription(cancel func()) Subscription {
	return Subscription{cancel: &cancel, once: new(sync.Once)}
}

// Cancel removes the registration. It is safe to call more than once and
// from inside the callback itself.
func (s Subscription) Cancel() {
	if s.cancel == nil {
		return
	}
	s.once.Do(*s.cancel)
}
