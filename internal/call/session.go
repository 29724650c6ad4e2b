// Package call orchestrates one agent-controlled phone call: it binds the
// carrier media stream to speech recognition, serializes speak-then-listen
// turns, and drives the per-call lifecycle state machine.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chadiek/callbridge/internal/stt"
	"github.com/chadiek/callbridge/internal/telephony"
	"github.com/chadiek/callbridge/internal/tts"
)

// State is one node of the per-call lifecycle graph.
type State string

const (
	StateInitiating State = "INITIATING"
	StateRinging    State = "RINGING"
	StateAnswered   State = "ANSWERED"
	StateReady      State = "READY"
	StateSpeaking   State = "SPEAKING"
	StateListening  State = "LISTENING"
	StateEnding     State = "ENDING"
	StateEnded      State = "ENDED"
)

// legalEdges holds the named forward transitions. Any live state may
// additionally jump to ENDING; shutdown owns that edge.
var legalEdges = map[State][]State{
	StateInitiating: {StateRinging},
	StateRinging:    {StateAnswered},
	StateAnswered:   {StateReady},
	StateReady:      {StateSpeaking},
	StateSpeaking:   {StateListening, StateReady},
	StateListening:  {StateReady},
	StateEnding:     {StateEnded},
}

// MediaChannel is the carrier-facing audio duplex a session plays into and
// receives caller audio from. *media.Stream satisfies it.
type MediaChannel interface {
	CallRef() string
	SetAudioSink(func([]byte))
	Play(ctx context.Context, pcm []byte, sampleRate int) error
	Closed() <-chan struct{}
	Close() error
}

const (
	sttConnectTimeout = 10 * time.Second
	hangupTimeout     = 10 * time.Second
	finalSpeakTimeout = 30 * time.Second
)

// Session is one active call. All agent operations funnel through the turn
// lock; carrier webhooks and the media stream feed in asynchronously.
type Session struct {
	id    string
	phone telephony.Provider
	synth tts.Provider
	rec   stt.Session

	transcriptTimeout time.Duration
	maxDuration       time.Duration
	mediaWait         time.Duration

	callCtx context.Context
	cancel  context.CancelFunc

	// turnMu serializes speak/continue/speakOnly/end. TryLock failures
	// surface as ErrCallBusy.
	turnMu sync.Mutex

	mu         sync.Mutex
	state      State
	carrierRef string
	media      MediaChannel
	mediaTimer *time.Timer
	turnCancel context.CancelFunc
	hungUp     bool
	startedAt  time.Time
	endedAt    time.Time

	readyCh   chan struct{}
	readyOnce sync.Once
	endedCh   chan struct{}
}

func newSession(id string, phone telephony.Provider, synth tts.Provider, rec stt.Session, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:                id,
		phone:             phone,
		synth:             synth,
		rec:               rec,
		transcriptTimeout: cfg.TranscriptTimeout,
		maxDuration:       cfg.MaxCallDuration,
		mediaWait:         cfg.MediaStartTimeout,
		callCtx:           ctx,
		cancel:            cancel,
		state:             StateInitiating,
		readyCh:           make(chan struct{}),
		endedCh:           make(chan struct{}),
	}
}

// ID returns the registry key for this call.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CarrierRef returns the carrier-assigned call reference.
func (s *Session) CarrierRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carrierRef
}

// Ready is closed once the call reaches READY for the first time.
func (s *Session) Ready() <-chan struct{} { return s.readyCh }

// Ended is closed once teardown has fully completed.
func (s *Session) Ended() <-chan struct{} { return s.endedCh }

// Duration is the wall-clock span from placing the call to teardown.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startedAt)
}

// begin records the placed call and arms the hard-ceiling watchdog.
func (s *Session) begin(carrierRef string) {
	s.mu.Lock()
	s.carrierRef = carrierRef
	s.startedAt = time.Now()
	if err := s.transitionLocked(StateRinging); err != nil {
		log.Printf("call %s: %v", s.id, err)
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-time.After(s.maxDuration):
			log.Printf("call %s: hit %v ceiling, forcing teardown", s.id, s.maxDuration)
			s.shutdown()
		case <-s.callCtx.Done():
		}
	}()
}

func (s *Session) transitionLocked(to State) error {
	for _, next := range legalEdges[s.state] {
		if next == to {
			s.state = to
			if to == StateReady {
				s.readyOnce.Do(func() { close(s.readyCh) })
			}
			return nil
		}
	}
	return fmt.Errorf("call %s: illegal transition %s -> %s", s.id, s.state, to)
}

// HandleStatus applies one carrier lifecycle event.
func (s *Session) HandleStatus(kind telephony.EventKind) {
	switch kind {
	case telephony.EventRinging:
		s.mu.Lock()
		if s.state == StateInitiating {
			_ = s.transitionLocked(StateRinging)
		}
		s.mu.Unlock()
	case telephony.EventAnswered:
		s.mu.Lock()
		if s.state == StateRinging {
			_ = s.transitionLocked(StateAnswered)
			if s.media == nil && s.mediaTimer == nil {
				s.mediaTimer = time.AfterFunc(s.mediaWait, s.onMediaTimeout)
			}
		}
		s.mu.Unlock()
	case telephony.EventHangup:
		s.mu.Lock()
		s.hungUp = true
		cancelTurn := s.turnCancel
		s.mu.Unlock()
		if cancelTurn != nil {
			cancelTurn()
		}
		go s.shutdown()
	}
}

func (s *Session) onMediaTimeout() {
	s.mu.Lock()
	missing := s.media == nil && s.state != StateEnding && s.state != StateEnded
	s.mu.Unlock()
	if missing {
		log.Printf("call %s: %v", s.id, ErrMediaTimeout)
		s.shutdown()
	}
}

// BindMedia attaches the carrier media stream and brings up recognition,
// moving the call to READY.
func (s *Session) BindMedia(m MediaChannel) error {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return ErrCallEnded
	}
	if s.media != nil {
		s.mu.Unlock()
		return fmt.Errorf("call %s: media already bound", s.id)
	}
	s.media = m
	if s.mediaTimer != nil {
		s.mediaTimer.Stop()
		s.mediaTimer = nil
	}
	// The media stream opening proves the callee picked up even if the
	// answered webhook is still in flight.
	if s.state == StateRinging {
		_ = s.transitionLocked(StateAnswered)
	}
	s.mu.Unlock()

	m.SetAudioSink(func(b []byte) { _ = s.rec.SendAudio(b) })

	ctx, cancel := context.WithTimeout(s.callCtx, sttConnectTimeout)
	defer cancel()
	if err := s.rec.Connect(ctx); err != nil {
		log.Printf("call %s: stt connect failed: %v", s.id, err)
		go s.shutdown()
		return fmt.Errorf("%w: connect: %v", stt.ErrUnavailable, err)
	}

	go s.drainPartials()
	go func() {
		select {
		case <-m.Closed():
			s.mu.Lock()
			live := s.state != StateEnding && s.state != StateEnded
			s.mu.Unlock()
			if live {
				log.Printf("call %s: media stream closed, tearing down", s.id)
				s.shutdown()
			}
		case <-s.callCtx.Done():
		}
	}()

	s.mu.Lock()
	err := s.transitionLocked(StateReady)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("call %s: ready (stream %s)", s.id, m.CallRef())
	return nil
}

// drainPartials logs interim transcripts; they are informational only.
func (s *Session) drainPartials() {
	for {
		select {
		case p, ok := <-s.rec.Partials():
			if !ok {
				return
			}
			log.Printf("call %s: interim: %q", s.id, p)
		case <-s.callCtx.Done():
			return
		}
	}
}

// WaitReady blocks until the call can take its first turn.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.endedCh:
		return ErrCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak runs one turn: synthesize text, play it to the callee, and, when
// expectReply is set, wait for the next finalized utterance. Concurrent turns
// fail with ErrCallBusy.
func (s *Session) Speak(text string, expectReply bool) (string, error) {
	if !s.turnMu.TryLock() {
		return "", ErrCallBusy
	}
	defer s.turnMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateEnding, StateEnded:
		s.mu.Unlock()
		return "", ErrCallEnded
	case StateReady:
	default:
		st := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrCallNotReady, st)
	}
	turnCtx, cancelTurn := context.WithCancel(s.callCtx)
	s.turnCancel = cancelTurn
	_ = s.transitionLocked(StateSpeaking)
	m := s.media
	s.mu.Unlock()
	defer func() {
		cancelTurn()
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
	}()

	pcm, rate, err := s.synthesize(turnCtx, text)
	if err != nil {
		if turnCtx.Err() != nil {
			return "", stt.ErrCancelled
		}
		// Synthesis failures are per-turn; the call stays usable.
		s.revertToReady()
		return "", err
	}
	if err := m.Play(turnCtx, pcm, rate); err != nil {
		// A hangup or endCall cancels the turn before the call context
		// observably ends; both are cancellations, not media faults.
		if s.callCtx.Err() != nil || turnCtx.Err() != nil {
			return "", stt.ErrCancelled
		}
		go s.shutdown()
		return "", err
	}

	if !expectReply {
		s.revertToReady()
		return "", nil
	}

	s.mu.Lock()
	err = s.transitionLocked(StateListening)
	s.mu.Unlock()
	if err != nil {
		return "", ErrCallEnded
	}
	reply, err := s.rec.WaitForTranscript(turnCtx, s.transcriptTimeout)
	s.revertToReady()
	if err != nil {
		if errors.Is(err, stt.ErrUnavailable) {
			go s.shutdown()
		}
		return "", err
	}
	return reply, nil
}

// synthesize runs TTS with a single retry; transient API errors are common
// enough to absorb one.
func (s *Session) synthesize(ctx context.Context, text string) ([]byte, int, error) {
	pcm, rate, err := s.synth.Synthesize(ctx, text)
	if err != nil && ctx.Err() == nil {
		log.Printf("call %s: tts failed, retrying once: %v", s.id, err)
		pcm, rate, err = s.synth.Synthesize(ctx, text)
	}
	return pcm, rate, err
}

func (s *Session) revertToReady() {
	s.mu.Lock()
	if s.state == StateSpeaking || s.state == StateListening {
		_ = s.transitionLocked(StateReady)
	}
	s.mu.Unlock()
}

// End cancels any in-flight turn, speaks finalMessage best-effort, and tears
// the call down. It returns the call's total duration once ENDED.
func (s *Session) End(finalMessage string) (time.Duration, error) {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		<-s.endedCh
		return s.Duration(), ErrCallEnded
	}
	cancelTurn := s.turnCancel
	s.mu.Unlock()
	if cancelTurn != nil {
		cancelTurn()
	}

	// The cancelled turn unwinds and releases the lock shortly.
	s.turnMu.Lock()
	if finalMessage != "" {
		s.speakFinal(finalMessage)
	}
	s.turnMu.Unlock()

	s.shutdown()
	<-s.endedCh
	return s.Duration(), nil
}

// speakFinal plays the goodbye line if the callee is still on the line.
// Failures are logged, never surfaced; the teardown proceeds regardless.
func (s *Session) speakFinal(text string) {
	s.mu.Lock()
	if s.state != StateReady || s.media == nil || s.hungUp {
		s.mu.Unlock()
		return
	}
	_ = s.transitionLocked(StateSpeaking)
	m := s.media
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.callCtx, finalSpeakTimeout)
	defer cancel()
	pcm, rate, err := s.synthesize(ctx, text)
	if err == nil {
		err = m.Play(ctx, pcm, rate)
	}
	if err != nil {
		log.Printf("call %s: final message skipped: %v", s.id, err)
	}
	s.revertToReady()
}

// Abort tears the call down without a goodbye.
func (s *Session) Abort() {
	s.shutdown()
	<-s.endedCh
}

// shutdown drives ENDING -> ENDED exactly once: cancel waiters, release
// recognition, close media, hang up the carrier leg.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	m := s.media
	hungUp := s.hungUp
	ref := s.carrierRef
	s.mu.Unlock()

	s.cancel()

	if err := s.rec.Close(); err != nil {
		log.Printf("call %s: stt close: %v", s.id, err)
	}
	if m != nil {
		_ = m.Close()
	}
	if !hungUp && ref != "" {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		if err := s.phone.Hangup(ctx, ref); err != nil {
			log.Printf("call %s: hangup: %v", s.id, err)
		}
		cancel()
	}

	s.mu.Lock()
	s.state = StateEnded
	s.endedAt = time.Now()
	dur := s.durationLocked()
	s.mu.Unlock()
	close(s.endedCh)
	log.Printf("call %s: ended after %v", s.id, dur.Round(time.Second))
}
