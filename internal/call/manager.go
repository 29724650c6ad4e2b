package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/callbridge/internal/stt"
	"github.com/chadiek/callbridge/internal/telephony"
	"github.com/chadiek/callbridge/internal/tts"
)

// Config carries the per-call knobs the manager hands each session.
type Config struct {
	FromNumber        string
	ToNumber          string
	MediaStreamURL    string
	StatusCallbackURL string
	TranscriptTimeout time.Duration
	MaxCallDuration   time.Duration
	MediaStartTimeout time.Duration
	AnswerTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.TranscriptTimeout == 0 {
		c.TranscriptTimeout = 3 * time.Minute
	}
	if c.MaxCallDuration == 0 {
		c.MaxCallDuration = 6 * time.Minute
	}
	if c.MediaStartTimeout == 0 {
		c.MediaStartTimeout = 30 * time.Second
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = 90 * time.Second
	}
}

// Manager is the process-wide registry of active calls. It owns the shared
// provider instances; each call gets its own recognition session and media
// stream.
type Manager struct {
	phone telephony.Provider
	synth tts.Provider
	rec   stt.Provider
	cfg   Config

	mu      sync.Mutex
	byID    map[string]*Session
	byRef   map[string]*Session
	pending map[string][]pendingEvent
}

// pendingEvent is a status webhook that beat its call's registration; the
// carrier can deliver callbacks before PlaceCall's HTTP response lands.
type pendingEvent struct {
	kind telephony.EventKind
	at   time.Time
}

// NewManager wires the shared providers into a call registry.
func NewManager(phone telephony.Provider, synth tts.Provider, rec stt.Provider, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		phone: phone,
		synth: synth,
		rec:   rec,
		cfg:     cfg,
		byID:    make(map[string]*Session),
		byRef:   make(map[string]*Session),
		pending: make(map[string][]pendingEvent),
	}
}

// ActiveCalls reports how many calls are currently registered.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Initiate places an outbound call, waits for it to become ready, and runs
// the opening turn. The first response is part of initiation: the agent gets
// callId and the callee's reply together.
func (m *Manager) Initiate(ctx context.Context, message string) (string, string, error) {
	s := newSession(uuid.NewString(), m.phone, m.synth, m.rec.NewSession(), m.cfg)

	ref, err := m.phone.PlaceCall(ctx, telephony.PlaceCallParams{
		From:              m.cfg.FromNumber,
		To:                m.cfg.ToNumber,
		MediaStreamURL:    m.cfg.MediaStreamURL,
		StatusCallbackURL: m.cfg.StatusCallbackURL,
	})
	if err != nil {
		return "", "", err
	}
	log.Printf("call %s: placed (carrier ref %s)", s.ID(), ref)

	s.begin(ref)
	m.register(s)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AnswerTimeout)
	defer cancel()
	if err := s.WaitReady(waitCtx); err != nil {
		log.Printf("call %s: never became ready: %v", s.ID(), err)
		s.Abort()
		return "", "", err
	}

	resp, err := s.Speak(message, true)
	if err != nil {
		// The call may still be live; hand the id back so the agent can
		// retry or end it.
		return s.ID(), "", err
	}
	return s.ID(), resp, nil
}

// Continue runs one more speak-then-listen turn on an active call.
func (m *Manager) Continue(ctx context.Context, callID, message string) (string, error) {
	s, err := m.lookup(callID)
	if err != nil {
		return "", err
	}
	return s.Speak(message, true)
}

// SpeakOnly plays a message without arming a listener.
func (m *Manager) SpeakOnly(ctx context.Context, callID, message string) error {
	s, err := m.lookup(callID)
	if err != nil {
		return err
	}
	_, err = s.Speak(message, false)
	return err
}

// End speaks the goodbye line best-effort, tears the call down, and returns
// its total duration.
func (m *Manager) End(ctx context.Context, callID, message string) (time.Duration, error) {
	s, err := m.lookup(callID)
	if err != nil {
		return 0, err
	}
	return s.End(message)
}

// HandleStatus routes a carrier lifecycle event to the call it belongs to.
func (m *Manager) HandleStatus(evt telephony.StatusEvent) {
	if evt.Kind == telephony.EventIgnored {
		return
	}
	m.mu.Lock()
	s := m.byRef[evt.CallRef]
	if s == nil {
		m.prunePendingLocked()
		if len(m.pending[evt.CallRef]) < 8 {
			m.pending[evt.CallRef] = append(m.pending[evt.CallRef], pendingEvent{kind: evt.Kind, at: time.Now()})
		}
		m.mu.Unlock()
		log.Printf("status event %q for unregistered call ref %s, holding", evt.Kind, evt.CallRef)
		return
	}
	m.mu.Unlock()
	s.HandleStatus(evt.Kind)
}

// prunePendingLocked drops held events no live call could still claim.
func (m *Manager) prunePendingLocked() {
	cutoff := time.Now().Add(-m.cfg.MaxCallDuration)
	for ref, events := range m.pending {
		keep := events[:0]
		for _, e := range events {
			if e.at.After(cutoff) {
				keep = append(keep, e)
			}
		}
		if len(keep) == 0 {
			delete(m.pending, ref)
		} else {
			m.pending[ref] = keep
		}
	}
}

// BindMedia joins an accepted media stream to the call its start frame named.
func (m *Manager) BindMedia(ch MediaChannel) error {
	ref := ch.CallRef()
	m.mu.Lock()
	s := m.byRef[ref]
	m.mu.Unlock()
	if s == nil {
		return ErrCallNotFound
	}
	return s.BindMedia(ch)
}

func (m *Manager) lookup(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return s, nil
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.byID[s.ID()] = s
	m.byRef[s.CarrierRef()] = s
	held := m.pending[s.CarrierRef()]
	delete(m.pending, s.CarrierRef())
	m.mu.Unlock()

	// Replay webhooks that raced registration, in arrival order.
	for _, e := range held {
		s.HandleStatus(e.kind)
	}

	go func() {
		<-s.Ended()
		m.mu.Lock()
		delete(m.byID, s.ID())
		delete(m.byRef, s.CarrierRef())
		m.mu.Unlock()
	}()
}
