// Package vad implements the three leaf components of the dialog engine's
// voice-activity pipeline: a neural speech-probability model (C1), a
// foreground/background correction layer on top of it (C2), and the
// streaming windower that turns per-window decisions into pause-classified
// events (C3).
package vad

import "context"

// Model is the narrow interface the streaming processor needs from a VAD
// network: a fixed-size window in, a speech probability out, carrying an
// opaque recurrent state between calls.
type Model interface {
	// InitialState returns the model's initial recurrent state, obtained by
	// running one warmup inference over a window of zeros.
	InitialState(ctx context.Context) (State, error)

	// SpeechProb runs inference over a 512-sample (at 16kHz) float32 window
	// and the given state, returning the speech probability and the updated
	// state. An empty or all-zero window returns (0, state) unchanged.
	SpeechProb(ctx context.Context, window []float32, state State) (float64, State, error)

	// WindowSize is the number of float32 samples a call to SpeechProb
	// expects (512 at 16kHz per spec §4.1).
	WindowSize() int

	// Close releases the underlying inference session.
	Close() error
}

// State is an opaque recurrent hidden state carried between SpeechProb calls.
// Concrete VAD implementations assert it back to their own tensor type.
type State interface{}

// EventType enumerates the pause-classification callbacks fired by the
// streaming processor (C3).
type EventType int

const (
	EventSpeechStart EventType = iota
	EventSpeechEnd
	EventShortPause
	EventLongPause
	EventUserSalienceTimeout
)

func (e EventType) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventShortPause:
		return "short_pause"
	case EventLongPause:
		return "long_pause"
	case EventUserSalienceTimeout:
		return "user_salience_timeout"
	default:
		return "unknown"
	}
}

// Event carries the payload for one fired callback. Buffer holds the audio
// slice described by spec §4.3's event table; it is nil for
// EventUserSalienceTimeout.
type Event struct {
	Type      EventType
	Buffer    []float32
	StartSec  float64
	Duration  float64
	Timestamp float64 // seconds, only set for EventUserSalienceTimeout
}
