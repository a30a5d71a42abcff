package param

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/showcontroller/oscparam/osc"
)

func newPresetFixture(t *testing.T) (*PresetHandler, *Float, *Float) {
	t.Helper()
	h, err := NewPresetHandler(t.TempDir(), "app", zap.NewNop())
	require.NoError(t, err)
	a := NewFloatRange("a", "g", 0, 0, 10)
	b := NewFloatRange("b", "g", 0, 0, 10)
	h.AddParameter(a, b)
	return h, a, b
}

func TestPresetStoreRecall(t *testing.T) {
	h, a, b := newPresetFixture(t)

	a.Set(1)
	b.Set(2)
	require.NoError(t, h.StorePreset("low"))
	a.Set(8)
	b.Set(9)
	require.NoError(t, h.StorePreset("high"))

	names, err := h.PresetNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, names)

	var recalled []string
	sub := h.RegisterPresetCallback(func(_ int, name string) { recalled = append(recalled, name) })
	require.NoError(t, h.RecallPreset("low"))
	assert.Equal(t, float32(1), a.Get())
	assert.Equal(t, float32(2), b.Get())
	assert.Equal(t, "low", h.CurrentPresetName())
	assert.Equal(t, []string{"low"}, recalled)

	sub.Cancel()
	require.NoError(t, h.RecallPreset("high"))
	assert.Len(t, recalled, 1)

	assert.ErrorIs(t, h.RecallPreset("missing"), ErrPresetNotFound)
	assert.Error(t, h.StorePreset("../escape"))
}

func TestPresetFileFormat(t *testing.T) {
	h, a, _ := newPresetFixture(t)
	a.Set(3.5)
	require.NoError(t, h.StorePreset("one"))

	data, err := os.ReadFile(filepath.Join(h.root, "one.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/g/a: 3.5")
}

func TestPresetIndex(t *testing.T) {
	dir := t.TempDir()
	h, err := NewPresetHandler(dir, "", nil)
	require.NoError(t, err)
	p := NewFloatRange("x", "", 0, 0, 1)
	h.AddParameter(p)

	p.Set(0.5)
	require.NoError(t, h.StorePresetIndex(3, "half"))
	p.Set(1)
	require.NoError(t, h.StorePresetIndex(4, ""))

	name, err := h.RecallPresetIndex(3)
	require.NoError(t, err)
	assert.Equal(t, "half", name)
	assert.Equal(t, float32(0.5), p.Get())

	_, err = h.RecallPresetIndex(99)
	assert.ErrorIs(t, err, ErrPresetNotFound)

	// The index map survives a restart.
	h2, err := NewPresetHandler(dir, "", nil)
	require.NoError(t, err)
	got, ok := h2.PresetName(4)
	assert.True(t, ok)
	assert.Equal(t, "4", got)
}

func TestPresetInterpolation(t *testing.T) {
	h, a, b := newPresetFixture(t)
	a.Set(0)
	b.Set(10)
	require.NoError(t, h.StorePreset("start"))
	a.Set(10)
	b.Set(0)
	require.NoError(t, h.StorePreset("end"))

	require.NoError(t, h.SetInterpolatedPreset("start", "end", 0.25))
	assert.InDelta(t, 2.5, a.Get(), 1e-6)
	assert.InDelta(t, 7.5, b.Get(), 1e-6)
}

func TestPresetMorph(t *testing.T) {
	h, a, _ := newPresetFixture(t)
	a.Set(10)
	require.NoError(t, h.StorePreset("ten"))
	a.Set(0)

	h.SetMorphTime(200 * time.Millisecond)
	require.NoError(t, h.RecallPreset("ten"))
	assert.True(t, h.Morphing())
	require.Eventually(t, func() bool { return a.Get() == 10 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.Morphing() }, time.Second, 10*time.Millisecond)

	a.Set(0)
	h.SetMorphTime(time.Hour)
	require.NoError(t, h.RecallPreset("ten"))
	h.StopMorph()
	v := a.Get()
	assert.Less(t, v, float32(1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v, a.Get(), "parameters keep moving after StopMorph")
}

func TestPresetConcurrentRecall(t *testing.T) {
	h, a, _ := newPresetFixture(t)
	a.Set(10)
	require.NoError(t, h.StorePreset("ten"))
	a.Set(0)
	require.NoError(t, h.StorePreset("zero"))

	h.SetMorphTime(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		name := "ten"
		if i%2 == 1 {
			name = "zero"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.RecallPreset(name))
		}()
	}
	wg.Wait()

	// Every morph but the last was stopped by the recall that replaced it.
	h.StopMorph()
	assert.False(t, h.Morphing())
	v := a.Get()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, v, a.Get(), "a replaced morph is still running")
}

func presetMessage(t *testing.T, addr string, args ...interface{}) *osc.Message {
	t.Helper()
	var p osc.Packet
	require.NoError(t, p.AddMessage(addr, args...))
	m, err := osc.NewMessageFromData(p.Data(), osc.TimeTagImmediate, "test")
	require.NoError(t, err)
	return m
}

func TestPresetOSCCommands(t *testing.T) {
	h, a, _ := newPresetFixture(t)
	assert.Equal(t, "/app/preset", h.Address())

	a.Set(4)
	h.OnMessage(presetMessage(t, "/app/preset/store", "four"))
	h.OnMessage(presetMessage(t, "/app/preset/store", int32(1)))
	a.Set(0)
	h.OnMessage(presetMessage(t, "/app/preset", "four"))
	assert.Equal(t, float32(4), a.Get())

	a.Set(0)
	h.OnMessage(presetMessage(t, "/app/preset", int32(1)))
	assert.Equal(t, float32(4), a.Get())

	h.OnMessage(presetMessage(t, "/app/preset/morphTime", float32(0.5)))
	assert.Equal(t, 500*time.Millisecond, h.MorphTime())
	h.SetMorphTime(0)

	h.SetAllowStore(false)
	a.Set(6)
	h.OnMessage(presetMessage(t, "/app/preset/store", "six"))
	names, err := h.PresetNames()
	require.NoError(t, err)
	assert.NotContains(t, names, "six")
}

func TestSequenceStoreLoad(t *testing.T) {
	h, _, _ := newPresetFixture(t)
	steps := []SequenceStep{
		{Preset: "low", Delta: 0.5, Duration: 2},
		{Preset: "high", Delta: 0, Duration: 1.25},
	}
	require.NoError(t, h.StoreSequence("intro", steps))
	require.NoError(t, h.StorePreset("low"))

	names, err := h.SequenceNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"intro"}, names)
	presets, err := h.PresetNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, presets, "sequences are not presets")

	got, err := h.LoadSequence("intro")
	require.NoError(t, err)
	assert.Equal(t, steps, got)

	_, err = h.LoadSequence("outro")
	assert.ErrorIs(t, err, ErrSequenceNotFound)
	assert.Error(t, h.StoreSequence("a/b", steps))
}

// newSequenceFixture stores presets "low" (a=1) and "high" (a=8) and
// reports every recall on the returned channel.
func newSequenceFixture(t *testing.T) (*PresetHandler, *Float, <-chan string) {
	t.Helper()
	h, a, _ := newPresetFixture(t)
	a.Set(1)
	require.NoError(t, h.StorePreset("low"))
	a.Set(8)
	require.NoError(t, h.StorePreset("high"))
	a.Set(0)

	recalled := make(chan string, 16)
	h.RegisterPresetCallback(func(_ int, name string) { recalled <- name })
	return h, a, recalled
}

func nextRecall(t *testing.T, recalled <-chan string) string {
	t.Helper()
	select {
	case name := <-recalled:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a recall")
		return ""
	}
}

func TestPresetSequencerPlay(t *testing.T) {
	h, a, recalled := newSequenceFixture(t)
	require.NoError(t, h.StoreSequence("updown", []SequenceStep{
		{Preset: "low", Duration: 0.05},
		{Preset: "missing", Duration: 0.05},
		{Preset: "high", Delta: 0.05, Duration: 0.02},
	}))

	seq := NewPresetSequencer(h, "app", zap.NewNop())
	require.NoError(t, seq.PlaySequence("updown"))
	assert.True(t, seq.Running())
	assert.Equal(t, "updown", seq.Playing())

	assert.Equal(t, "low", nextRecall(t, recalled))
	assert.Equal(t, "high", nextRecall(t, recalled), "a failing step is skipped")
	require.Eventually(t, func() bool { return !seq.Running() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Get() == 8 }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, seq.PlaySequence("nothing"), ErrSequenceNotFound)
}

func TestPresetSequencerStop(t *testing.T) {
	h, a, recalled := newSequenceFixture(t)
	seq := NewPresetSequencer(h, "app", zap.NewNop())
	seq.Play("long", []SequenceStep{
		{Preset: "low", Duration: 3600},
		{Preset: "high"},
	})
	assert.Equal(t, "low", nextRecall(t, recalled))
	assert.Equal(t, float32(1), a.Get())

	seq.StopSequence()
	seq.StopSequence()
	assert.False(t, seq.Running())
	assert.Empty(t, seq.Playing())
	select {
	case name := <-recalled:
		t.Errorf("recall of %q after StopSequence", name)
	case <-time.After(50 * time.Millisecond):
	}

	// A stop during a morph leaves the parameters where they are.
	seq.Play("slow", []SequenceStep{{Preset: "high", Delta: 3600}})
	assert.Equal(t, "high", nextRecall(t, recalled))
	seq.StopSequence()
	assert.False(t, h.Morphing())
}

func TestPresetSequencerOSCCommands(t *testing.T) {
	h, a, recalled := newSequenceFixture(t)
	require.NoError(t, h.StoreSequence("hold", []SequenceStep{{Preset: "high", Duration: 3600}}))
	seq := NewPresetSequencer(h, "app", zap.NewNop())
	assert.Equal(t, "/app/sequence", seq.Address())

	seq.OnMessage(presetMessage(t, "/app/sequence", int32(1)))
	assert.False(t, seq.Running(), "play needs a name")

	seq.OnMessage(presetMessage(t, "/app/sequence", "hold"))
	assert.Equal(t, "high", nextRecall(t, recalled))
	assert.Equal(t, float32(8), a.Get())
	assert.True(t, seq.Running())

	seq.OnMessage(presetMessage(t, "/app/sequence/stop"))
	assert.False(t, seq.Running())
}

func TestSequenceRecorder(t *testing.T) {
	h, _, _ := newSequenceFixture(t)
	h.SetMorphTime(0)
	rec := NewSequenceRecorder(h, "app", zap.NewNop())

	require.NoError(t, rec.StartRecord("take", false))
	assert.True(t, rec.Recording())
	require.NoError(t, h.RecallPreset("low"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.RecallPreset("high"))
	name, err := rec.StopRecord()
	require.NoError(t, err)
	assert.Equal(t, "take", name)
	assert.False(t, rec.Recording())

	steps, err := h.LoadSequence("take")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "low", steps[0].Preset)
	assert.GreaterOrEqual(t, steps[0].Duration, 0.025)
	assert.Equal(t, SequenceStep{Preset: "high"}, steps[1])

	// Recalls after the take are not recorded, and a second take under the
	// same name gets a numbered one.
	require.NoError(t, h.RecallPreset("low"))
	require.NoError(t, rec.StartRecord("take", false))
	require.NoError(t, h.RecallPreset("high"))
	require.NoError(t, h.RecallPreset("low"))
	name, err = rec.StopRecord()
	require.NoError(t, err)
	assert.Equal(t, "take_0", name)
	assert.Equal(t, "take_0", rec.LastSequenceName())

	// A single step is not a sequence.
	require.NoError(t, rec.StartRecord("short", true))
	require.NoError(t, h.RecallPreset("low"))
	name, err = rec.StopRecord()
	require.NoError(t, err)
	assert.Empty(t, name)
	names, err := h.SequenceNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"take", "take_0"}, names)
}

func TestSequenceRecorderMaxTime(t *testing.T) {
	h, _, _ := newSequenceFixture(t)
	rec := NewSequenceRecorder(h, "", zap.NewNop())
	rec.SetMaxRecordTime(50 * time.Millisecond)

	require.NoError(t, rec.StartRecord("", true))
	require.NoError(t, h.RecallPreset("low"))
	require.NoError(t, h.RecallPreset("high"))
	require.Eventually(t, func() bool { return !rec.Recording() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "new_seq", rec.LastSequenceName())
}

func TestSequenceRecorderOSCCommands(t *testing.T) {
	h, _, _ := newSequenceFixture(t)
	rec := NewSequenceRecorder(h, "app", zap.NewNop())

	rec.OnMessage(presetMessage(t, "/app/sequence/record", float32(1)))
	assert.True(t, rec.Recording())
	require.NoError(t, h.RecallPreset("low"))
	require.NoError(t, h.RecallPreset("high"))
	rec.OnMessage(presetMessage(t, "/app/sequence/record", float32(0)))
	assert.False(t, rec.Recording())
	assert.Equal(t, "NewSequence", rec.LastSequenceName())

	rec.OnMessage(presetMessage(t, "/app/sequence/startRecord", "named"))
	require.NoError(t, h.RecallPreset("high"))
	require.NoError(t, h.RecallPreset("low"))
	rec.OnMessage(presetMessage(t, "/app/sequence/stopRecord"))
	assert.Equal(t, "named", rec.LastSequenceName())
}
