// Package stt provides streaming speech-to-text sessions over carrier-grade
// 8 kHz mu-law audio. Sessions emit interim transcripts for observability and
// deliver finalized utterances to a single waiter once endpointing fires.
package stt

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTranscriptTimeout means a waiter elapsed without a finalized utterance.
	ErrTranscriptTimeout = errors.New("stt: transcript timeout")
	// ErrUnavailable means reconnection was exhausted; the session is dead.
	ErrUnavailable = errors.New("stt: unavailable")
	// ErrCancelled resolves waiters when the session is closed underneath them.
	ErrCancelled = errors.New("stt: cancelled")
	// ErrWaiterActive guards the one-waiter-per-session invariant.
	ErrWaiterActive = errors.New("stt: transcript waiter already active")
)

// Transcript is one recognizer update.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// Session is a live streaming recognizer bound to one call.
type Session interface {
	// Connect opens the upstream channel; it fails if the upstream does not
	// confirm within its handshake timeout.
	Connect(ctx context.Context) error
	// SendAudio enqueues 8 kHz mu-law bytes. Never blocks; drops silently
	// while the session is disconnected or the queue is full.
	SendAudio(mulaw []byte) error
	// Partials streams interim transcripts. Supersedable, lossy.
	Partials() <-chan string
	// WaitForTranscript resolves with the next finalized utterance. At most
	// one waiter may be outstanding.
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	Connected() bool
	Close() error
}

// Provider creates sessions for a configured recognizer backend.
type Provider interface {
	Name() string
	NewSession() Session
}
