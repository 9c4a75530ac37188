package vad

import (
	"context"
	"sync"
	"testing"
)

// scriptedModel returns a fixed speech probability for every window, letting
// tests drive the processor with deterministic "speech" or "silence" runs
// without depending on a real neural network.
type scriptedModel struct {
	prob       float64
	windowSize int
}

func (m *scriptedModel) InitialState(ctx context.Context) (State, error) { return nil, nil }
func (m *scriptedModel) SpeechProb(ctx context.Context, window []float32, state State) (float64, State, error) {
	return m.prob, state, nil
}
func (m *scriptedModel) WindowSize() int { return m.windowSize }
func (m *scriptedModel) Close() error    { return nil }

func feedWindows(t *testing.T, p *StreamingProcessor, windowSize, count int, sample float32) {
	t.Helper()
	window := make([]float32, windowSize)
	for i := range window {
		window[i] = sample
	}
	for i := 0; i < count; i++ {
		if err := p.ProcessAudio(context.Background(), window); err != nil {
			t.Fatalf("ProcessAudio: %v", err)
		}
	}
}

func newTestProcessor(t *testing.T, model *scriptedModel, cb Callbacks) *StreamingProcessor {
	t.Helper()
	cfg := ProcessorConfig{
		SampleRate:            1000,
		Threshold:             0.5,
		MinSpeechDurationMS:   20,
		MinSilenceDurationMS:  10,
		// Large enough that 2*SpeechPadMS (maxSilenceSamples) comfortably
		// exceeds ShortPauseMS+LongPauseMS's derived sample thresholds below —
		// otherwise the silence tail cap would clip before long-pause fires.
		SpeechPadMS:           50,
		SpeechProbWindow:      1,
		ShortPauseMS:          10,
		LongPauseMS:           10,
		UserSilenceDurationMS: 20,
	}
	p, err := NewStreamingProcessor(context.Background(), model, cfg, cb)
	if err != nil {
		t.Fatalf("NewStreamingProcessor: %v", err)
	}
	return p
}

// A sustained run of high-probability windows must eventually cross
// MinSpeechDurationMS and fire exactly one OnSpeechStart.
func TestProcessorFiresSpeechStartOnSustainedSpeech(t *testing.T) {
	model := &scriptedModel{prob: 0.95, windowSize: 10}
	var mu sync.Mutex
	starts := 0
	p := newTestProcessor(t, model, Callbacks{
		OnSpeechStart: func(ev Event) {
			mu.Lock()
			starts++
			mu.Unlock()
		},
	})

	feedWindows(t, p, 10, 20, 1.0)

	mu.Lock()
	defer mu.Unlock()
	if starts != 1 {
		t.Fatalf("expected exactly one speech start, got %d", starts)
	}
}

// Speech followed by a long run of silence must fire speech end, then a
// short pause, then a long pause, in that order, with non-nil buffers.
func TestProcessorClassifiesShortThenLongPause(t *testing.T) {
	model := &scriptedModel{prob: 0.95, windowSize: 10}
	var mu sync.Mutex
	var order []string
	var longPauseBuf []float32
	cb := Callbacks{
		OnSpeechStart: func(ev Event) { mu.Lock(); order = append(order, "start"); mu.Unlock() },
		OnSpeechEnd:   func(ev Event) { mu.Lock(); order = append(order, "end"); mu.Unlock() },
		OnShortPause: func(ev Event) {
			mu.Lock()
			order = append(order, "short")
			mu.Unlock()
		},
		OnLongPause: func(ev Event) {
			mu.Lock()
			order = append(order, "long")
			longPauseBuf = ev.Buffer
			mu.Unlock()
		},
	}
	p := newTestProcessor(t, model, cb)

	feedWindows(t, p, 10, 20, 1.0)
	model.prob = 0.01
	feedWindows(t, p, 10, 10, 0.0)

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 3 {
		t.Fatalf("expected at least start/short/long to fire, got %v", order)
	}
	if order[0] != "start" {
		t.Fatalf("expected speech start to fire first, got %v", order)
	}
	sawShort, sawLong, shortBeforeLong := false, false, false
	for _, ev := range order {
		switch ev {
		case "short":
			sawShort = true
		case "long":
			sawLong = true
			if sawShort {
				shortBeforeLong = true
			}
		}
	}
	if !sawShort || !sawLong || !shortBeforeLong {
		t.Fatalf("expected short pause to precede long pause, got %v", order)
	}
	if longPauseBuf == nil {
		t.Fatalf("expected the long pause buffer to carry the accumulated speech+fadeout tail")
	}
}

// SetLongPauseSuspended(true) must block OnLongPause from firing even once
// the silence run is long enough, until it's released.
func TestProcessorLongPauseSuspension(t *testing.T) {
	model := &scriptedModel{prob: 0.95, windowSize: 10}
	var mu sync.Mutex
	longPauses := 0
	p := newTestProcessor(t, model, Callbacks{
		OnLongPause: func(ev Event) { mu.Lock(); longPauses++; mu.Unlock() },
	})

	feedWindows(t, p, 10, 20, 1.0)
	p.SetLongPauseSuspended(true)
	model.prob = 0.01
	feedWindows(t, p, 10, 20, 0.0)

	mu.Lock()
	got := longPauses
	mu.Unlock()
	if got != 0 {
		t.Fatalf("expected long pause to be suspended, got %d firings", got)
	}

	p.SetLongPauseSuspended(false)
	feedWindows(t, p, 10, 5, 0.0)
	mu.Lock()
	got = longPauses
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected long pause to fire once released, got %d", got)
	}
}

// CancelUserSalience must prevent a pending salience timeout from firing.
func TestProcessorUserSalienceTimeoutCancellable(t *testing.T) {
	model := &scriptedModel{prob: 0.01, windowSize: 10}
	var mu sync.Mutex
	fired := 0
	p := newTestProcessor(t, model, Callbacks{
		OnUserSalienceTimeout: func(ev Event) { mu.Lock(); fired++; mu.Unlock() },
	})

	p.StartUserSilence()
	p.CancelUserSalience()
	feedWindows(t, p, 10, 50, 0.0)

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("expected a cancelled salience timer not to fire, got %d", fired)
	}
}

func TestProcessorUserSalienceTimeoutFiresOnceWhenActive(t *testing.T) {
	model := &scriptedModel{prob: 0.01, windowSize: 10}
	var mu sync.Mutex
	fired := 0
	p := newTestProcessor(t, model, Callbacks{
		OnUserSalienceTimeout: func(ev Event) { mu.Lock(); fired++; mu.Unlock() },
	})

	p.StartUserSilence()
	feedWindows(t, p, 10, 50, 0.0)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected the salience timer to fire exactly once, got %d", fired)
	}
}
