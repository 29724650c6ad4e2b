// Package telephony abstracts the PSTN carrier: placing and tearing down
// calls, verifying webhook signatures, and rendering the instruction document
// that tells the carrier where to stream call media.
package telephony

import (
	"context"
	"errors"
	"net/http"
)

// ErrCarrierRejected means the carrier refused to place the call; terminal
// for that attempt.
var ErrCarrierRejected = errors.New("telephony: carrier rejected call")

// PlaceCallParams describes an outbound call.
type PlaceCallParams struct {
	From              string
	To                string
	MediaStreamURL    string
	StatusCallbackURL string
}

// EventKind classifies carrier status callbacks.
type EventKind string

const (
	EventRinging  EventKind = "ringing"
	EventAnswered EventKind = "answered"
	EventHangup   EventKind = "hangup"
	EventIgnored  EventKind = ""
)

// StatusEvent is a normalized carrier lifecycle callback.
type StatusEvent struct {
	CallRef string
	Kind    EventKind
}

// Provider is one carrier integration. Implementations must be safe for
// concurrent use; one provider instance serves every call.
type Provider interface {
	Name() string
	// PlaceCall starts an outbound call and returns the carrier's call
	// control reference.
	PlaceCall(ctx context.Context, p PlaceCallParams) (string, error)
	Hangup(ctx context.Context, callRef string) error
	// VerifyWebhook checks the carrier signature over the raw body. When no
	// verification key is configured the check is skipped.
	VerifyWebhook(r *http.Request, body []byte) bool
	// ParseStatusEvent normalizes a carrier status callback.
	ParseStatusEvent(r *http.Request, body []byte) (StatusEvent, error)
	// CallInstruction renders the document the carrier fetches on pickup,
	// directing it to open a bidirectional media stream.
	CallInstruction(mediaStreamURL string) (contentType, body string, err error)
}
