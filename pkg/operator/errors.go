package operator

import "errors"

// Sentinel errors a CallManager.Transfer implementation returns so
// handleTransfer can map them to the distinct status codes spec §4.7/§6
// requires, instead of collapsing every failure to one code.
var (
	// ErrSessionNotFound means no active call is registered for that session.
	ErrSessionNotFound = errors.New("operator: no active call for that session")
	// ErrCallNotConfirmed means the call exists but has already ended, so
	// there is nothing left to transfer.
	ErrCallNotConfirmed = errors.New("operator: call is not confirmed")
)
