package stt

import (
	"context"
	"strings"
	"sync"
	"time"
)

type outcome struct {
	text string
	err  error
}

// utterance accumulates finalized transcript segments until an endpoint event
// flushes them to the armed waiter. Without a waiter, flushed text is dropped;
// the call layer only listens after it has finished speaking.
type utterance struct {
	mu     sync.Mutex
	parts  []string
	waiter chan outcome
}

func (u *utterance) addFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	u.mu.Lock()
	u.parts = append(u.parts, text)
	u.mu.Unlock()
}

// flush delivers the concatenated utterance and clears the accumulator.
func (u *utterance) flush() {
	u.mu.Lock()
	text := strings.Join(u.parts, " ")
	u.parts = nil
	w := u.waiter
	u.waiter = nil
	u.mu.Unlock()
	if w == nil || text == "" {
		if w != nil && text == "" {
			// Spurious endpoint with no speech; keep the waiter armed.
			u.mu.Lock()
			if u.waiter == nil {
				u.waiter = w
			}
			u.mu.Unlock()
		}
		return
	}
	w <- outcome{text: text}
}

// fail resolves any armed waiter with err.
func (u *utterance) fail(err error) {
	u.mu.Lock()
	w := u.waiter
	u.waiter = nil
	u.mu.Unlock()
	if w != nil {
		w <- outcome{err: err}
	}
}

// wait arms the waiter and blocks for a flush, the timeout, or ctx.
func (u *utterance) wait(ctx context.Context, timeout time.Duration) (string, error) {
	w := make(chan outcome, 1)
	u.mu.Lock()
	if u.waiter != nil {
		u.mu.Unlock()
		return "", ErrWaiterActive
	}
	u.waiter = w
	u.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-w:
		return out.text, out.err
	case <-timer.C:
		u.disarm(w)
		return "", ErrTranscriptTimeout
	case <-ctx.Done():
		u.disarm(w)
		return "", ErrCancelled
	}
}

func (u *utterance) disarm(w chan outcome) {
	u.mu.Lock()
	if u.waiter == w {
		u.waiter = nil
	}
	u.mu.Unlock()
	// A flush may have raced the timeout; drain so the send never sticks.
	select {
	case <-w:
	default:
	}
}
