package param

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/showcontroller/oscparam/osc"
)

// ErrSequenceNotFound is returned when playing a sequence that was never
// stored.
var ErrSequenceNotFound = errors.New("param: sequence not found")

const (
	sequenceExt = ".sequence"

	// DefaultMaxRecordTime bounds a SequenceRecorder take.
	DefaultMaxRecordTime = 60 * time.Second
	defaultSequenceName  = "new_seq"
)

// SequenceStep is one preset of a sequence. Delta is the morph time into
// the preset and Duration the time held there afterwards, both in seconds.
type SequenceStep struct {
	Preset   string  `yaml:"preset"`
	Delta    float64 `yaml:"delta"`
	Duration float64 `yaml:"duration"`
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

type sequenceFile struct {
	Steps []SequenceStep `yaml:"steps"`
}

func (h *PresetHandler) sequencePath(name string) string {
	return filepath.Join(h.root, name+sequenceExt)
}

// StoreSequence writes steps as sequence name in the preset directory.
func (h *PresetHandler) StoreSequence(name string, steps []SequenceStep) error {
	if err := validPresetName(name); err != nil {
		return err
	}
	data, err := yaml.Marshal(&sequenceFile{Steps: steps})
	if err != nil {
		return errors.Wrap(err, "param: encoding sequence")
	}
	if err := os.WriteFile(h.sequencePath(name), data, 0o644); err != nil {
		return errors.Wrapf(err, "param: writing sequence %s", name)
	}
	return nil
}

// LoadSequence reads sequence name.
func (h *PresetHandler) LoadSequence(name string) ([]SequenceStep, error) {
	if err := validPresetName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(h.sequencePath(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrSequenceNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "param: reading sequence %s", name)
	}
	var f sequenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "param: decoding sequence %s", name)
	}
	return f.Steps, nil
}

// SequenceNames lists the stored sequences, sorted.
func (h *PresetHandler) SequenceNames() ([]string, error) {
	return h.listNames(sequenceExt, "")
}

// PresetSequencer plays sequences of presets on a PresetHandler, one step
// after another. As an osc.PacketHandler it understands
//
//	<prefix>/sequence ,s name   play
//	<prefix>/sequence/stop      stop
type PresetSequencer struct {
	presets *PresetHandler
	address string
	log     *zap.Logger

	mu      sync.Mutex
	playing string
	stop    chan struct{}
	done    chan struct{}
}

// NewPresetSequencer returns a sequencer over presets serving its commands
// under <prefix>/sequence.
func NewPresetSequencer(presets *PresetHandler, prefix string, log *zap.Logger) *PresetSequencer {
	if log == nil {
		log = zap.L().Named("param.sequencer")
	}
	return &PresetSequencer{
		presets: presets,
		address: path.Join("/", prefix, "sequence"),
		log:     log,
	}
}

// Address returns the OSC address of the play command.
func (s *PresetSequencer) Address() string { return s.address }

// PlaySequence stops the sequence playing and starts sequence name.
func (s *PresetSequencer) PlaySequence(name string) error {
	steps, err := s.presets.LoadSequence(name)
	if err != nil {
		return err
	}
	s.Play(name, steps)
	return nil
}

// Play stops the sequence playing and starts steps. name is only reported
// by Playing and in logs.
func (s *PresetSequencer) Play(name string, steps []SequenceStep) {
	s.StopSequence()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.playing, s.stop, s.done = name, stop, done
	s.mu.Unlock()

	s.log.Info("playing sequence", zap.String("name", name), zap.Int("steps", len(steps)))
	go s.run(name, steps, stop, done)
}

func (s *PresetSequencer) run(name string, steps []SequenceStep, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for i, st := range steps {
		select {
		case <-stop:
			return
		default:
		}
		delta := seconds(st.Delta)
		if err := s.presets.RecallPresetMorph(st.Preset, delta); err != nil {
			s.log.Warn("sequence step failed",
				zap.String("sequence", name),
				zap.Int("step", i),
				zap.Error(err))
			continue
		}
		timer := time.NewTimer(delta + seconds(st.Duration))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.log.Debug("sequence finished", zap.String("name", name))
}

// StopSequence halts playback and waits for it to end. A morph started by
// the current step is halted too. It must not be called from a preset or
// parameter callback run by the sequencer.
func (s *PresetSequencer) StopSequence() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done, s.playing = nil, nil, ""
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.presets.StopMorph()
}

// Running reports whether a sequence is playing.
func (s *PresetSequencer) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Playing returns the name of the sequence last started, or "" once it was
// stopped.
func (s *PresetSequencer) Playing() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// OnMessage implements osc.PacketHandler.
func (s *PresetSequencer) OnMessage(m *osc.Message) {
	var err error
	switch m.AddressPattern() {
	case s.address:
		var name string
		if m.TypeTags() != "s" {
			err = errors.Wrapf(ErrTypeMismatch, "%s expects ,s, got ,%s", s.address, m.TypeTags())
		} else if name, err = m.String(); err == nil {
			err = s.PlaySequence(name)
		}
	case s.address + "/stop":
		s.StopSequence()
	default:
		return
	}
	if err != nil {
		s.log.Warn("sequence command failed",
			zap.String("address", m.AddressPattern()),
			zap.String("sender", m.Sender()),
			zap.Error(err))
	}
}

// SequenceRecorder records the presets recalled on a PresetHandler, with
// their timing, into a sequence. As an osc.PacketHandler it understands
//
//	<prefix>/sequence/startRecord ,s name
//	<prefix>/sequence/stopRecord
//	<prefix>/sequence/record ,f v   0 stops, >0 records overwriting, <0 records
type SequenceRecorder struct {
	presets *PresetHandler
	address string
	log     *zap.Logger

	mu        sync.Mutex
	maxTime   time.Duration
	recording bool
	name      string
	overwrite bool
	last      time.Time
	steps     []SequenceStep
	sub       Subscription
	timer     *time.Timer
	lastName  string
}

// NewSequenceRecorder returns a recorder over presets serving its commands
// under <prefix>/sequence.
func NewSequenceRecorder(presets *PresetHandler, prefix string, log *zap.Logger) *SequenceRecorder {
	if log == nil {
		log = zap.L().Named("param.recorder")
	}
	return &SequenceRecorder{
		presets: presets,
		address: path.Join("/", prefix, "sequence"),
		log:     log,
		maxTime: DefaultMaxRecordTime,
	}
}

// SetMaxRecordTime bounds later takes. A take reaching it is stopped and
// saved.
func (r *SequenceRecorder) SetMaxRecordTime(d time.Duration) {
	r.mu.Lock()
	r.maxTime = d
	r.mu.Unlock()
}

// Recording reports whether a take is in progress.
func (r *SequenceRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// LastSequenceName returns the name the last take was saved under.
func (r *SequenceRecorder) LastSequenceName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastName
}

// StartRecord begins a take saved as name, or "new_seq" when empty. Without
// overwrite an existing sequence keeps its file and the take gets a
// numbered name. A take in progress is stopped and saved first.
func (r *SequenceRecorder) StartRecord(name string, overwrite bool) error {
	if name == "" {
		name = defaultSequenceName
	}
	if err := validPresetName(name); err != nil {
		return err
	}
	if r.Recording() {
		if _, err := r.StopRecord(); err != nil {
			r.log.Warn("saving previous take failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.recording = true
	r.name, r.overwrite = name, overwrite
	r.steps = nil
	r.last = time.Now()
	if r.maxTime > 0 {
		r.timer = time.AfterFunc(r.maxTime, r.expire)
	}
	r.mu.Unlock()

	sub := r.presets.RegisterPresetCallback(r.presetChanged)
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	r.log.Info("recording sequence", zap.String("name", name))
	return nil
}

func (r *SequenceRecorder) expire() {
	if _, err := r.StopRecord(); err != nil {
		r.log.Warn("saving sequence failed", zap.Error(err))
	}
}

func (r *SequenceRecorder) presetChanged(_ int, name string) {
	now := time.Now()
	morph := r.presets.MorphTime().Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	if n := len(r.steps); n > 0 {
		prev := &r.steps[n-1]
		prev.Duration = now.Sub(r.last).Seconds() - prev.Delta
		if prev.Duration < 0 {
			prev.Duration = 0
		}
	}
	r.steps = append(r.steps, SequenceStep{Preset: name, Delta: morph})
	r.last = now
}

// StopRecord ends the take and saves it, returning the sequence name. A
// take of fewer than two steps is discarded and the name is "".
func (r *SequenceRecorder) StopRecord() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", nil
	}
	r.recording = false
	steps, name, overwrite, sub := r.steps, r.name, r.overwrite, r.sub
	r.steps, r.sub = nil, Subscription{}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	sub.Cancel()

	if len(steps) < 2 {
		r.log.Info("discarding short take", zap.Int("steps", len(steps)))
		return "", nil
	}
	if !overwrite {
		name = r.freeName(name)
	}
	if err := r.presets.StoreSequence(name, steps); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.lastName = name
	r.mu.Unlock()
	r.log.Info("recorded sequence", zap.String("name", name), zap.Int("steps", len(steps)))
	return name, nil
}

func (r *SequenceRecorder) freeName(name string) string {
	candidate := name
	for i := 0; ; i++ {
		if _, err := os.Stat(r.presets.sequencePath(candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = name + "_" + strconv.Itoa(i)
	}
}

// OnMessage implements osc.PacketHandler.
func (r *SequenceRecorder) OnMessage(m *osc.Message) {
	var err error
	switch m.AddressPattern() {
	case r.address + "/startRecord":
		var name string
		if name, err = m.String(); err == nil {
			err = r.StartRecord(name, false)
		}
	case r.address + "/stopRecord":
		_, err = r.StopRecord()
	case r.address + "/record":
		var v float32
		if v, err = m.Float32(); err != nil {
			break
		}
		if v == 0 {
			_, err = r.StopRecord()
		} else {
			err = r.StartRecord("NewSequence", v > 0)
		}
	default:
		return
	}
	if err != nil {
		r.log.Warn("record command failed",
			zap.String("address", m.AddressPattern()),
			zap.String("sender", m.Sender()),
			zap.Error(err))
	}
}
