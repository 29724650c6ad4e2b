package tts

import (
	"context"
	"errors"
)

// ErrSynthesisFailed marks a recoverable per-turn synthesis failure; the
// caller may retry the turn once before surfacing it.
var ErrSynthesisFailed = errors.New("tts: synthesis failed")

// Provider synthesizes text into 16-bit linear PCM.
type Provider interface {
	Name() string
	Voice() string
	// SampleRate is the provider's advertised output rate. Synthesize may
	// report a different rate when the response carries its own header.
	SampleRate() int
	// Synthesize returns the full mono PCM buffer for text and its rate.
	Synthesize(ctx context.Context, text string) ([]byte, int, error)
	// Stream returns lazily produced PCM chunks at SampleRate. The sequence
	// is restartable per call, not per chunk. Both channels close when the
	// stream ends.
	Stream(ctx context.Context, text string) (<-chan []byte, <-chan error)
}
