package vad

import (
	"context"
)

// ProcessorConfig holds the windowing/pause-classification tunables named in
// spec §6, expressed as milliseconds/ratios rather than pre-computed sample
// counts (the processor derives sample counts from SampleRate at
// construction).
type ProcessorConfig struct {
	SampleRate int

	Threshold             float64 // raw (no dynamic correction) speech/silence cut
	MinSpeechDurationMS   int
	MinSilenceDurationMS  int
	SpeechPadMS           int
	SpeechProbWindow      int
	ShortPauseMS          int
	LongPauseMS           int
	UserSilenceDurationMS int

	UseDynamicCorrection bool
	Correction           CorrectionConfig
}

// Callbacks groups the five pause-classification callbacks fired by the
// processor. Any nil field is simply not invoked.
type Callbacks struct {
	OnSpeechStart          func(Event)
	OnSpeechEnd            func(Event)
	OnShortPause           func(Event)
	OnLongPause            func(Event)
	OnUserSalienceTimeout  func(Event)
}

// StreamingProcessor windows arbitrary-size float32 PCM into fixed windows,
// runs them through a Model (+ optional DynamicCorrection), and classifies
// pauses into the five callbacks, per spec §4.3. Ported from
// original_source/python/sip/vad/processor6.py.
type StreamingProcessor struct {
	model      Model
	correction *DynamicCorrection
	cfg        ProcessorConfig
	cb         Callbacks

	state State

	inputBuffer []float32
	speechBuf   []float32
	silenceBuf  []float32
	probHistory []float64

	activeSpeech     bool
	activeLongSpeech bool
	shortPauseFired  bool

	userSilenceActive bool
	userSilenceFired  bool
	userSilenceStart  int64

	longPauseSuspended bool

	currentSample int64

	minSpeechSamples  int
	minSilenceSamples int
	speechPadSamples  int
	shortPauseSamples int
	longPauseSamples  int
	maxSilenceSamples int
	userSilenceSamples int
}

// NewStreamingProcessor constructs a processor bound to model, with cb fired
// as pauses are classified.
func NewStreamingProcessor(ctx context.Context, model Model, cfg ProcessorConfig, cb Callbacks) (*StreamingProcessor, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}

	minSilenceSamples := cfg.MinSilenceDurationMS * sr / 1000
	speechPadSamples := cfg.SpeechPadMS * sr / 1000
	shortPauseSamples := minSilenceSamples + cfg.ShortPauseMS*sr/1000
	longPauseSamples := shortPauseSamples + cfg.LongPauseMS*sr/1000
	maxSilenceSamples := 2 * speechPadSamples
	if minSilenceSamples > maxSilenceSamples {
		maxSilenceSamples = minSilenceSamples
	}

	p := &StreamingProcessor{
		model:             model,
		cfg:               cfg,
		cb:                cb,
		minSpeechSamples:  cfg.MinSpeechDurationMS * sr / 1000,
		minSilenceSamples: minSilenceSamples,
		speechPadSamples:  speechPadSamples,
		shortPauseSamples: shortPauseSamples,
		longPauseSamples:  longPauseSamples,
		maxSilenceSamples: maxSilenceSamples,
		userSilenceSamples: cfg.UserSilenceDurationMS * sr / 1000,
	}
	if cfg.UseDynamicCorrection {
		p.correction = NewDynamicCorrection(cfg.Correction)
	}

	state, err := model.InitialState(ctx)
	if err != nil {
		return nil, err
	}
	p.state = state
	return p, nil
}

// ProcessAudio consumes an arbitrary-size float32 PCM chunk, windowing it
// into fixed model-sized windows as buffered samples accumulate.
func (p *StreamingProcessor) ProcessAudio(ctx context.Context, chunk []float32) error {
	p.inputBuffer = append(p.inputBuffer, chunk...)
	windowSize := p.model.WindowSize()
	for len(p.inputBuffer) >= windowSize {
		window := p.inputBuffer[:windowSize]
		p.inputBuffer = p.inputBuffer[windowSize:]
		if err := p.processWindow(ctx, window); err != nil {
			return err
		}
	}
	return nil
}

func rmsEnergy(window []float32) float64 {
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(window))
}

// smoothedProb applies a linearly-increasing weight (1..W) over the prob
// history, most recent sample weighted heaviest.
func (p *StreamingProcessor) smoothedProb(latest float64) float64 {
	w := p.cfg.SpeechProbWindow
	if w < 1 {
		w = 1
	}
	p.probHistory = append(p.probHistory, latest)
	if len(p.probHistory) > w {
		p.probHistory = p.probHistory[len(p.probHistory)-w:]
	}
	var num, den float64
	for i, prob := range p.probHistory {
		weight := float64(i + 1)
		num += weight * prob
		den += weight
	}
	if den == 0 {
		return latest
	}
	return num / den
}

func capTail(buf []float32, max int) []float32 {
	if len(buf) > max {
		return buf[len(buf)-max:]
	}
	return buf
}

func (p *StreamingProcessor) processWindow(ctx context.Context, window []float32) error {
	rawProb, newState, err := p.model.SpeechProb(ctx, window, p.state)
	if err != nil {
		return err
	}
	p.state = newState

	prob := p.smoothedProb(rawProb)
	energy := rmsEnergy(window)

	var isSpeech bool
	if p.correction != nil {
		isSpeech = p.correction.ProcessFrame(prob, energy)
	} else {
		isSpeech = prob >= p.cfg.Threshold
	}

	if p.activeLongSpeech {
		p.speechBuf = append(p.speechBuf, window...)
		if isSpeech {
			p.silenceBuf = nil
		} else {
			p.silenceBuf = append(p.silenceBuf, window...)
			p.silenceBuf = capTail(p.silenceBuf, p.maxSilenceSamples)
		}
	} else {
		if isSpeech {
			p.speechBuf = append(p.speechBuf, window...)
		} else {
			p.silenceBuf = append(p.silenceBuf, p.speechBuf...)
			p.speechBuf = nil
			p.silenceBuf = append(p.silenceBuf, window...)
		}
	}

	p.currentSample += int64(len(window))
	startSec := float64(p.currentSample-int64(len(window))) / float64(p.cfg.SampleRate)

	if isSpeech && !p.activeSpeech && len(p.speechBuf) >= p.minSpeechSamples {
		// A brand-new segment (re)computes the faded pre-roll and arms
		// active_long_speech; speech resuming mid-segment (active_long_speech
		// already true, e.g. after a short pause) still fires the callback but
		// skips the padding/bootstrap recompute, matching
		// original_source/python/sip/vad/processor6.py::handle_speech_start.
		var padBuf []float32
		if !p.activeLongSpeech {
			padBuf = fadeIn(capTail(p.silenceBuf, p.speechPadSamples))
			p.silenceBuf = nil
			p.activeLongSpeech = true
		}
		p.activeSpeech = true
		p.fire(p.cb.OnSpeechStart, Event{
			Type:     EventSpeechStart,
			Buffer:   padBuf,
			StartSec: startSec,
			Duration: float64(len(p.speechBuf)) / float64(p.cfg.SampleRate),
		})
	}

	if p.activeSpeech && len(p.silenceBuf) >= p.minSilenceSamples {
		p.activeSpeech = false
		p.shortPauseFired = false
		p.resetUserSilenceTimer()
		speechOnly := p.speechBuf
		if len(speechOnly) > len(p.silenceBuf) {
			speechOnly = speechOnly[:len(speechOnly)-len(p.silenceBuf)]
		}
		p.fire(p.cb.OnSpeechEnd, Event{
			Type:     EventSpeechEnd,
			Buffer:   append([]float32(nil), speechOnly...),
			StartSec: startSec,
			Duration: float64(len(speechOnly)) / float64(p.cfg.SampleRate),
		})
	}

	if p.activeLongSpeech && !p.shortPauseFired && len(p.silenceBuf) >= p.shortPauseSamples {
		p.shortPauseFired = true
		p.fire(p.cb.OnShortPause, Event{
			Type:     EventShortPause,
			Buffer:   p.pauseSlice(),
			StartSec: startSec,
			Duration: float64(len(p.speechBuf)) / float64(p.cfg.SampleRate),
		})
	}

	if p.activeLongSpeech && !p.longPauseSuspended && len(p.silenceBuf) >= p.longPauseSamples {
		buf := p.pauseSlice()
		p.shortPauseFired = false
		p.activeLongSpeech = false
		p.speechBuf = nil
		p.silenceBuf = nil
		p.fire(p.cb.OnLongPause, Event{
			Type:     EventLongPause,
			Buffer:   buf,
			StartSec: startSec,
			Duration: float64(len(buf)) / float64(p.cfg.SampleRate),
		})
	}

	if !p.activeSpeech && p.userSilenceActive && !p.userSilenceFired &&
		(p.currentSample-p.userSilenceStart) > int64(p.userSilenceSamples) {
		p.userSilenceFired = true
		p.fire(p.cb.OnUserSalienceTimeout, Event{
			Type:      EventUserSalienceTimeout,
			Timestamp: float64(p.currentSample) / float64(p.cfg.SampleRate),
		})
	}

	return nil
}

// pauseSlice builds the short/long-pause payload: whatever speech was
// accumulated before the silence tail, followed by the silence tail itself
// with a cosine fade-out applied. The padded pre-roll delivered with the
// speech-start event is not included.
func (p *StreamingProcessor) pauseSlice() []float32 {
	speechOnly := p.speechBuf
	if len(speechOnly) > len(p.silenceBuf) {
		speechOnly = speechOnly[:len(speechOnly)-len(p.silenceBuf)]
	} else {
		speechOnly = nil
	}
	out := append([]float32(nil), speechOnly...)
	out = append(out, fadeOut(p.silenceBuf)...)
	return out
}

func (p *StreamingProcessor) fire(cb func(Event), ev Event) {
	if cb != nil {
		cb(ev)
	}
}

func (p *StreamingProcessor) resetUserSilenceTimer() {
	p.userSilenceStart = p.currentSample
}

// StartUserSilence begins the salience-timeout window and puts the dynamic
// corrector into its early-detection phase. Call when the bot stops talking
// and a user reply is expected.
func (p *StreamingProcessor) StartUserSilence() {
	p.userSilenceActive = true
	p.userSilenceFired = false
	p.userSilenceStart = p.currentSample
	if p.correction != nil {
		p.correction.StartEarlyDetection()
	}
}

// CancelUserSalience disables the pending timeout because the user spoke.
func (p *StreamingProcessor) CancelUserSalience() {
	p.userSilenceActive = false
}

// ResetUserSalience marks the timeout as already-fired so it cannot fire
// again without a fresh StartUserSilence call.
func (p *StreamingProcessor) ResetUserSalience() {
	p.userSilenceFired = true
}

// SetLongPauseSuspended toggles long-pause detection; held true externally
// while a commit is in progress.
func (p *StreamingProcessor) SetLongPauseSuspended(suspended bool) {
	p.longPauseSuspended = suspended
}

// TrackEmptyTranscription is a hook point for callers to note an empty STT
// result against this processor's instrumentation; currently a no-op,
// reserved for future rate-limiting of repeated empty transcriptions.
func (p *StreamingProcessor) TrackEmptyTranscription() {}

// CurrentTimeSeconds returns the processor's notion of elapsed time, derived
// from samples processed rather than wall clock, so it stays exact under
// test with synthetic audio.
func (p *StreamingProcessor) CurrentTimeSeconds() float64 {
	return float64(p.currentSample) / float64(p.cfg.SampleRate)
}
