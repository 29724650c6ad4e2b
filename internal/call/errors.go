package call

import "errors"

var (
	// ErrCallBusy means another agent operation holds the call's turn lock.
	ErrCallBusy = errors.New("call: another operation is in flight")
	// ErrCallNotFound means the callId is not in the registry.
	ErrCallNotFound = errors.New("call: not found")
	// ErrCallEnded means the call has left the active lifecycle.
	ErrCallEnded = errors.New("call: already ended")
	// ErrCallNotReady means the call has not reached the idle turn state yet.
	ErrCallNotReady = errors.New("call: not ready for a turn")
	// ErrMediaTimeout means the carrier never opened the media stream after
	// answering.
	ErrMediaTimeout = errors.New("call: media stream never connected")
)
