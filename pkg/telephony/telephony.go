// Package telephony declares the capability interfaces the dialog engine
// needs from a SIP/RTP transport, without implementing one: call signaling,
// codec negotiation, and media transport stay out of scope (spec
// Non-goals), consumed here purely as a "trait-like capability interface"
// per the redesign of the teacher's dynamic-dispatch media/account classes.
// cmd/simcall provides a local-audio stand-in; a production binding would
// implement Account/Call against a real SIP stack (e.g. pjsip bindings).
package telephony

import "context"

// CallInfo is the subset of call metadata the dialog engine and operator
// surface need to identify a leg.
type CallInfo struct {
	CallID     string
	RemoteURI  string
}

// MakeCallRequest describes an outbound call to place, as submitted through
// the operator's POST /call route.
type MakeCallRequest struct {
	ToURI          string
	ConversationID string
	UserID         string
	DisplayName    string
}

// Call is one active SIP leg: answer/hangup/transfer/DTMF control plus a 16
// kHz mono 16-bit PCM frame pipe in both directions. Its SendBye/Transfer/
// DialDTMF methods are exactly dialog.SIPSession's — a Call satisfies that
// interface directly.
type Call interface {
	Answer() error
	SendBye(reason string) error
	Transfer(toURI string) error
	DialDTMF(digits string) error
	Info() CallInfo

	// OnFrameReceived registers the callback invoked with each inbound frame
	// of 16-bit PCM audio. Replacing the handler drops the previous one.
	OnFrameReceived(handler func(pcm []byte))

	// WritePlayback pushes a chunk of 16-bit PCM audio to the SIP media
	// leg's output port, for bindings that don't play files directly off
	// disk (most will implement media.Sink against a file player instead;
	// this exists for loopback-style bindings like cmd/simcall).
	WritePlayback(pcm []byte)
}

// Account receives incoming-call notifications and can place outbound
// calls.
type Account interface {
	// OnIncomingCall registers the callback invoked for each new inbound
	// call. Replacing the handler drops the previous one.
	OnIncomingCall(handler func(Call))

	MakeCall(ctx context.Context, req MakeCallRequest) (Call, error)
}
