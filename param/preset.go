package param

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/showcontroller/oscparam/osc"
)

// ErrPresetNotFound is returned when recalling a preset that was never
// stored.
var ErrPresetNotFound = errors.New("param: preset not found")

const (
	presetExt     = ".yaml"
	presetMapFile = "preset_map" + presetExt
	morphStep     = 20 * time.Millisecond
)

// presetFile is the on-disk form of a preset: parameter address to value.
type presetFile struct {
	Values map[string]float32 `yaml:"values"`
}

// PresetHandler stores and recalls snapshots of float parameters. Presets
// are YAML files in a directory; a preset map file assigns them numeric
// indices. Recalling a preset morphs from the current values over the morph
// time, or jumps when it is zero.
//
// As an osc.PacketHandler it understands
//
//	<address> ,s name    recall by name
//	<address> ,i index   recall by index
//	<address>/store ,s   store by name (when AllowStore is on)
//	<address>/store ,i   store by index (when AllowStore is on)
//	<address>/morphTime ,f seconds
type PresetHandler struct {
	root    string
	address string
	log     *zap.Logger

	mu         sync.Mutex
	params     []*Float
	presetMap  map[int]string
	current    string
	morphTime  time.Duration
	allowStore bool
	callbacks  []*presetCallback
	nextID     uint64

	// recallMu serializes stopping one morph and starting the next.
	recallMu  sync.Mutex
	morphStop chan struct{}
	morphDone chan struct{}
}

type presetCallback struct {
	id uint64
	fn func(index int, name string)
}

// NewPresetHandler returns a handler storing presets under rootDir, which
// is created if needed. prefix is the OSC prefix of the preset commands,
// which live at <prefix>/preset.
func NewPresetHandler(rootDir, prefix string, log *zap.Logger) (*PresetHandler, error) {
	if log == nil {
		log = zap.L().Named("param.preset")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "param: creating preset directory %s", rootDir)
	}
	h := &PresetHandler{
		root:       rootDir,
		address:    path.Join("/", prefix, "preset"),
		log:        log,
		presetMap:  make(map[int]string),
		allowStore: true,
	}
	if err := h.loadPresetMap(); err != nil {
		return nil, err
	}
	return h, nil
}

// Address returns the OSC address of the recall command.
func (h *PresetHandler) Address() string { return h.address }

// AddParameter includes params in presets.
func (h *PresetHandler) AddParameter(params ...*Float) *PresetHandler {
	h.mu.Lock()
	h.params = append(h.params, params...)
	h.mu.Unlock()
	return h
}

// SetAllowStore enables or disables storing through OSC.
func (h *PresetHandler) SetAllowStore(allow bool) {
	h.mu.Lock()
	h.allowStore = allow
	h.mu.Unlock()
}

// SetMorphTime sets how long a recall takes to reach the preset values.
func (h *PresetHandler) SetMorphTime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	h.mu.Lock()
	h.morphTime = d
	h.mu.Unlock()
}

// MorphTime returns the morph duration.
func (h *PresetHandler) MorphTime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.morphTime
}

// CurrentPresetName returns the name of the last stored or recalled preset.
func (h *PresetHandler) CurrentPresetName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// RegisterPresetCallback adds fn to the callbacks run after a recall. index
// is -1 when the preset has no index.
func (h *PresetHandler) RegisterPresetCallback(fn func(index int, name string)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.callbacks = append(h.callbacks, &presetCallback{id: id, fn: fn})
	return newSubscription(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cb := range h.callbacks {
			if cb.id == id {
				h.callbacks = append(h.callbacks[:i:i], h.callbacks[i+1:]...)
				return
			}
		}
	})
}

func validPresetName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Errorf("param: invalid preset name %q", name)
	}
	return nil
}

func (h *PresetHandler) presetPath(name string) string {
	return filepath.Join(h.root, name+presetExt)
}

// StorePreset writes the current values of every parameter as preset name.
func (h *PresetHandler) StorePreset(name string) error {
	if err := validPresetName(name); err != nil {
		return err
	}
	h.mu.Lock()
	params := append([]*Float(nil), h.params...)
	h.mu.Unlock()

	f := presetFile{Values: make(map[string]float32, len(params))}
	for _, p := range params {
		f.Values[p.FullAddress()] = p.Get()
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return errors.Wrap(err, "param: encoding preset")
	}
	if err := os.WriteFile(h.presetPath(name), data, 0o644); err != nil {
		return errors.Wrapf(err, "param: writing preset %s", name)
	}
	h.mu.Lock()
	h.current = name
	h.mu.Unlock()
	h.log.Info("stored preset", zap.String("name", name), zap.Int("parameters", len(params)))
	return nil
}

// StorePresetIndex stores the current values under index. An empty name
// keeps the name already mapped to index, or uses the index itself.
func (h *PresetHandler) StorePresetIndex(index int, name string) error {
	h.mu.Lock()
	if name == "" {
		name = h.presetMap[index]
	}
	if name == "" {
		name = strconv.Itoa(index)
	}
	h.mu.Unlock()
	if err := h.StorePreset(name); err != nil {
		return err
	}
	h.mu.Lock()
	h.presetMap[index] = name
	h.mu.Unlock()
	return h.storePresetMap()
}

// PresetName returns the name mapped to index.
func (h *PresetHandler) PresetName(index int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name, ok := h.presetMap[index]
	return name, ok
}

// PresetNames lists the stored presets, sorted.
func (h *PresetHandler) PresetNames() ([]string, error) {
	return h.listNames(presetExt, presetMapFile)
}

// listNames returns the sorted base names of the files in the preset
// directory ending in ext, except skip.
func (h *PresetHandler) listNames(ext, skip string) ([]string, error) {
	entries, err := os.ReadDir(h.root)
	if err != nil {
		return nil, errors.Wrap(err, "param: listing presets")
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || n == skip || !strings.HasSuffix(n, ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, ext))
	}
	sort.Strings(names)
	return names, nil
}

func (h *PresetHandler) loadPreset(name string) (map[string]float32, error) {
	if err := validPresetName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(h.presetPath(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrPresetNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "param: reading preset %s", name)
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "param: decoding preset %s", name)
	}
	return f.Values, nil
}

// RecallPreset loads preset name and morphs the parameters to it.
// Parameter callbacks run by a jump must not recall another preset.
func (h *PresetHandler) RecallPreset(name string) error {
	return h.recall(name, -1)
}

// RecallPresetMorph is RecallPreset with an explicit morph duration in place
// of the handler's morph time.
func (h *PresetHandler) RecallPresetMorph(name string, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return h.recall(name, d)
}

// recall uses the handler's morph time when d is negative.
func (h *PresetHandler) recall(name string, d time.Duration) error {
	values, err := h.loadPreset(name)
	if err != nil {
		return err
	}

	h.recallMu.Lock()
	h.StopMorph()
	h.mu.Lock()
	h.current = name
	if d < 0 {
		d = h.morphTime
	}
	index := -1
	for i, n := range h.presetMap {
		if n == name {
			index = i
			break
		}
	}
	cbs := append([]*presetCallback(nil), h.callbacks...)
	h.mu.Unlock()
	h.morphTo(values, d)
	h.recallMu.Unlock()

	h.log.Debug("recalled preset", zap.String("name", name), zap.Duration("morph", d))
	for _, cb := range cbs {
		cb.fn(index, name)
	}
	return nil
}

// RecallPresetIndex recalls the preset mapped to index and returns its name.
func (h *PresetHandler) RecallPresetIndex(index int) (string, error) {
	name, ok := h.PresetName(index)
	if !ok {
		return "", errors.Wrapf(ErrPresetNotFound, "index %d", index)
	}
	return name, h.RecallPreset(name)
}

// SetInterpolatedPreset sets every parameter to a + factor*(b - a), where a
// and b are the values stored in presets nameA and nameB. Parameters
// missing from either preset are left alone.
func (h *PresetHandler) SetInterpolatedPreset(nameA, nameB string, factor float64) error {
	a, err := h.loadPreset(nameA)
	if err != nil {
		return err
	}
	b, err := h.loadPreset(nameB)
	if err != nil {
		return err
	}
	h.recallMu.Lock()
	defer h.recallMu.Unlock()
	h.StopMorph()
	for _, p := range h.parameters() {
		va, okA := a[p.FullAddress()]
		vb, okB := b[p.FullAddress()]
		if okA && okB {
			p.Set(lerp(va, vb, factor))
		}
	}
	return nil
}

func lerp(a, b float32, f float64) float32 {
	return a + float32(f)*(b-a)
}

func (h *PresetHandler) parameters() []*Float {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Float(nil), h.params...)
}

type morphTarget struct {
	p          *Float
	start, end float32
}

func (h *PresetHandler) morphTo(values map[string]float32, d time.Duration) {
	var targets []morphTarget
	for _, p := range h.parameters() {
		if v, ok := values[p.FullAddress()]; ok {
			targets = append(targets, morphTarget{p: p, start: p.Get(), end: v})
		}
	}
	if d <= 0 {
		for _, t := range targets {
			t.p.Set(t.end)
		}
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	h.mu.Lock()
	h.morphStop, h.morphDone = stop, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(morphStep)
		defer ticker.Stop()
		begin := time.Now()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				f := float64(now.Sub(begin)) / float64(d)
				if f >= 1 {
					for _, t := range targets {
						t.p.Set(t.end)
					}
					return
				}
				for _, t := range targets {
					t.p.Set(lerp(t.start, t.end, f))
				}
			}
		}
	}()
}

// StopMorph halts a morph in progress, leaving parameters where they are.
// It must not be called from a parameter callback run by the morph.
func (h *PresetHandler) StopMorph() {
	h.mu.Lock()
	stop, done := h.morphStop, h.morphDone
	h.morphStop, h.morphDone = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Morphing reports whether a morph is in progress.
func (h *PresetHandler) Morphing() bool {
	h.mu.Lock()
	done := h.morphDone
	h.mu.Unlock()
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

func (h *PresetHandler) loadPresetMap() error {
	data, err := os.ReadFile(filepath.Join(h.root, presetMapFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "param: reading preset map")
	}
	m := make(map[int]string)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "param: decoding preset map")
	}
	h.mu.Lock()
	h.presetMap = m
	h.mu.Unlock()
	return nil
}

func (h *PresetHandler) storePresetMap() error {
	h.mu.Lock()
	data, err := yaml.Marshal(h.presetMap)
	h.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "param: encoding preset map")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(h.root, presetMapFile), data, 0o644), "param: writing preset map")
}

// OnMessage implements osc.PacketHandler.
func (h *PresetHandler) OnMessage(m *osc.Message) {
	var err error
	switch m.AddressPattern() {
	case h.address:
		err = h.onRecall(m)
	case h.address + "/store":
		h.mu.Lock()
		allow := h.allowStore
		h.mu.Unlock()
		if !allow {
			h.log.Warn("preset store over OSC is disabled", zap.String("sender", m.Sender()))
			return
		}
		err = h.onStore(m)
	case h.address + "/morphTime":
		var secs float32
		if err = m.Scan(&secs); err == nil {
			h.SetMorphTime(time.Duration(float64(secs) * float64(time.Second)))
		}
	default:
		return
	}
	if err != nil {
		h.log.Warn("preset command failed",
			zap.String("address", m.AddressPattern()),
			zap.String("sender", m.Sender()),
			zap.Error(err))
	}
}

func (h *PresetHandler) onRecall(m *osc.Message) error {
	switch m.TypeTags() {
	case "s":
		name, _ := m.String()
		return h.RecallPreset(name)
	case "i":
		i, _ := m.Int32()
		_, err := h.RecallPresetIndex(int(i))
		return err
	case "f":
		f, _ := m.Float32()
		_, err := h.RecallPresetIndex(int(f))
		return err
	}
	return errors.Wrapf(ErrTypeMismatch, "%s expects ,s or ,i, got ,%s", h.address, m.TypeTags())
}

func (h *PresetHandler) onStore(m *osc.Message) error {
	switch m.TypeTags() {
	case "s":
		name, _ := m.String()
		return h.StorePreset(name)
	case "i":
		i, _ := m.Int32()
		return h.StorePresetIndex(int(i), "")
	}
	return errors.Wrapf(ErrTypeMismatch, "%s/store expects ,s or ,i, got ,%s", h.address, m.TypeTags())
}
