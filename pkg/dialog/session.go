package dialog

import (
	"context"
	"time"
)

// CallState is the dialog state machine driving C7. HANGED_UP never moves
// again. FINISHED is sticky against everything except the expected final
// FINISHED -> HANGED_UP transition triggered once the hangup actually fires.
type CallState int

const (
	StateWaitForUser CallState = iota
	StateSpeculativeGenerate
	StateCommitGenerate
	StateFinished
	StateHangedUp
)

func (s CallState) String() string {
	switch s {
	case StateWaitForUser:
		return "WAIT_FOR_USER"
	case StateSpeculativeGenerate:
		return "SPECULATIVE_GENERATE"
	case StateCommitGenerate:
		return "COMMIT_GENERATE"
	case StateFinished:
		return "FINISHED"
	case StateHangedUp:
		return "HANGED_UP"
	default:
		return "UNKNOWN"
	}
}

func (s CallState) terminal() bool {
	return s == StateFinished || s == StateHangedUp
}

// SIPSession is the capability a Call needs from the underlying SIP leg:
// ending it, transferring it, and sending DTMF. A real SIP stack implements
// this; cmd/simcall's local harness implements a loopback stand-in.
type SIPSession interface {
	SendBye(reason string) error
	Transfer(toURI string) error
	DialDTMF(digits string) error
}

// CommitResult is the backend's answer to a committed utterance: the text to
// speak back, and whether the backend considers the conversation over.
type CommitResult struct {
	Response    string
	SessionEnds bool
}

// BackendSession is the capability set a Call needs from the backend client
// (C8) for one conversation: transcription, synthesis, and the
// start/commit/rollback/close session lifecycle.
type BackendSession interface {
	Synthesizer
	Transcribe(ctx context.Context, wav []byte, lang string) (string, error)
	Start(ctx context.Context, text string) error
	Commit(ctx context.Context) (CommitResult, error)
	Rollback(ctx context.Context) error
	Close(ctx context.Context, status string) error
}

// LocalTranscriber is the capability a Call needs for local-mode STT (spec
// §6): transcribing against a locally-hosted speech-to-text service instead
// of the conversation backend's own /transcribe route.
type LocalTranscriber interface {
	Transcribe(ctx context.Context, wav []byte, lang string) (string, error)
}

// MetricsRecorder is the set of latency observations a Call reports, per
// spec §4 (transcribe/generate/synthesize/play_queue histograms).
type MetricsRecorder interface {
	SynthesizeLatencyRecorder
	ObserveTranscribe(d time.Duration)
	ObserveGenerate(d time.Duration)
	ObservePlayQueue(d time.Duration)
}

// Options configures a new Call: its identity, audio settings, behaviour
// flags and local-STT selection, filled from pkg/config by cmd/gateway. The
// VAD tunables travel separately in vad.ProcessorConfig, and the backend,
// SIP leg, local STT client, metrics and logger are NewCall arguments.
type Options struct {
	SessionID      string
	ConversationID string
	UserID         string
	DisplayName    string

	SampleRate           int
	TmpAudioDir          string
	InterruptionsAllowed bool
	SIPEarlyEOC          bool
	RecordAudioParts     bool
	IsStreaming          bool
	TransferDelay        time.Duration

	UseLocalSTT  bool
	LocalSTTLang string
}
