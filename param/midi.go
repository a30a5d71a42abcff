package param

import (
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/zap"
)

// MIDIBinder maps MIDI control change messages onto float parameters.
//
//	size := param.NewFloatRange("Size", "", 1, 0, 1)
//	b := param.NewMIDIBinder(nil)
//	b.ConnectControl(size, 1, 1)
//	stop, err := b.Listen(in)
type MIDIBinder struct {
	log *zap.Logger

	mu       sync.RWMutex
	bindings []midiBinding
}

type midiBinding struct {
	controller uint8
	channel    uint8
	param      *Float
	min, max   float32
}

// NewMIDIBinder returns an empty binder.
func NewMIDIBinder(log *zap.Logger) *MIDIBinder {
	if log == nil {
		log = zap.L().Named("param.midi")
	}
	return &MIDIBinder{log: log}
}

// ConnectControl binds controller on channel (1 to 16) to p, spanning the
// parameter's whole range.
func (b *MIDIBinder) ConnectControl(p *Float, controller, channel int) error {
	min, max, ok := p.Range()
	if !ok {
		return errors.Errorf("param: %s has no range, use ConnectControlRange", p.FullAddress())
	}
	return b.ConnectControlRange(p, controller, channel, min, max)
}

// ConnectControlRange binds controller on channel (1 to 16) to p. Control
// values 0 to 127 map linearly onto [min, max].
func (b *MIDIBinder) ConnectControlRange(p *Float, controller, channel int, min, max float32) error {
	if controller < 0 || controller > 127 {
		return errors.Errorf("param: MIDI controller %d out of range", controller)
	}
	if channel < 1 || channel > 16 {
		return errors.Errorf("param: MIDI channel %d out of range", channel)
	}
	b.mu.Lock()
	b.bindings = append(b.bindings, midiBinding{
		controller: uint8(controller),
		channel:    uint8(channel - 1),
		param:      p,
		min:        min,
		max:        max,
	})
	b.mu.Unlock()
	return nil
}

// Disconnect removes every binding of p.
func (b *MIDIBinder) Disconnect(p *Float) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.param != p {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

// HandleMessage applies msg to the bound parameters. It reports whether any
// binding matched.
func (b *MIDIBinder) HandleMessage(msg midi.Message) bool {
	var ch, cc, val uint8
	if !msg.GetControlChange(&ch, &cc, &val) {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := false
	for _, bd := range b.bindings {
		if bd.channel != ch || bd.controller != cc {
			continue
		}
		v := bd.min + float32(val)/127*(bd.max-bd.min)
		bd.param.Set(v)
		matched = true
	}
	return matched
}

// Listen feeds messages from an opened or unopened MIDI input to the binder
// until stop is called.
func (b *MIDIBinder) Listen(in drivers.In) (stop func(), err error) {
	if !in.IsOpen() {
		if err := in.Open(); err != nil {
			return nil, errors.Wrapf(err, "param: opening MIDI input %s", in)
		}
	}
	b.log.Info("listening for MIDI control changes", zap.Stringer("port", in))
	return midi.ListenTo(in, func(msg midi.Message, _ int32) {
		b.HandleMessage(msg)
	}, midi.HandleError(func(err error) {
		b.log.Warn("MIDI input error", zap.Stringer("port", in), zap.Error(err))
	}))
}
