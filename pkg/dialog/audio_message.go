package dialog

import (
	"context"
	"regexp"
	"time"

	"github.com/arch7tect/sip-gateway/pkg/logging"
)

// MinPlayableBlobBytes is the threshold below which a synthesized blob is
// treated as "too short to play" per spec §4.6/§6. Roughly a WAV header (44
// bytes) plus a handful of PCM samples — spec §9 itself only says "likely",
// so this is kept as a named constant rather than reverse-engineered further.
const MinPlayableBlobBytes = 364

// Synthesizer is the capability AudioMessage needs from the backend client
// (C8) to turn text into an audio blob.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SynthesizeLatencyRecorder receives the elapsed synthesis time. Calls are
// gated by the caller on whether a reply-generation cycle is active, per
// spec §4.6 (mirroring original_source/python/sip/audio_message.py's
// "call.start_response_generation != 0.0" guard).
type SynthesizeLatencyRecorder interface {
	ObserveSynthesize(d time.Duration)
}

var emojiPattern = regexp.MustCompile(
	`[\x{1F300}-\x{1FAFF}\x{2702}-\x{27B0}\x{24C2}\x{2600}-\x{26FF}\x{1F000}-\x{1F2FF}]`)

// StripEmoji removes emoji runes from text before synthesis/playback.
func StripEmoji(text string) string {
	return emojiPattern.ReplaceAllString(text, "")
}

// AudioMessage wraps one chunk of reply text and a lazily-awaited,
// eagerly-started synthesis future, per spec §4.6. Ported from
// original_source/python/sip/audio_message.py.
type AudioMessage struct {
	Text string

	cancel context.CancelFunc
	done   chan struct{}
	blob   []byte
	err    error
}

// NewAudioMessage strips emoji from text, then immediately spawns synthesis
// in a goroutine bound to a child of ctx. GetBlob awaits the result once and
// memoizes it. latencyActive is checked once the call completes; if true,
// elapsed is reported to recorder (may be nil).
func NewAudioMessage(ctx context.Context, text string, synth Synthesizer, recorder SynthesizeLatencyRecorder, latencyActive func() bool, logger logging.Logger) *AudioMessage {
	if logger == nil {
		logger = logging.NoOp{}
	}
	taskCtx, cancel := context.WithCancel(ctx)
	clean := StripEmoji(text)
	am := &AudioMessage{Text: clean, cancel: cancel, done: make(chan struct{})}
	ctx = taskCtx

	go func() {
		defer close(am.done)
		start := time.Now()
		blob, err := synth.Synthesize(ctx, clean)
		elapsed := time.Since(start)
		if latencyActive != nil && latencyActive() && recorder != nil {
			recorder.ObserveSynthesize(elapsed)
			logger.Info("synthesize finished", "text", clean, "elapsed", elapsed)
		}
		am.blob = blob
		am.err = err
	}()

	return am
}

// GetBlob awaits the synthesis future (once; subsequent calls return the
// memoized result immediately) or the context's cancellation, whichever
// comes first.
func (m *AudioMessage) GetBlob(ctx context.Context) ([]byte, error) {
	select {
	case <-m.done:
		return m.blob, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TooShortToPlay reports whether blob falls under MinPlayableBlobBytes.
func TooShortToPlay(blob []byte) bool {
	return len(blob) < MinPlayableBlobBytes
}
