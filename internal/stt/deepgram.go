package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connectTimeout   = 10 * time.Second
	keepaliveEvery   = 10 * time.Second
	reconnectBase    = 1 * time.Second
	reconnectRetries = 5
)

// DeepgramProvider creates live-listen sessions against Deepgram.
type DeepgramProvider struct {
	APIKey  string
	Model   string
	Silence time.Duration
	// BaseURL overrides the upstream endpoint; tests point it at a local
	// simulator. Empty means the production API.
	BaseURL string
}

// NewDeepgramProvider builds a provider with the stock endpoint.
func NewDeepgramProvider(apiKey, model string, silence time.Duration) *DeepgramProvider {
	if model == "" {
		model = "nova-2-phonecall"
	}
	if silence <= 0 {
		silence = 800 * time.Millisecond
	}
	return &DeepgramProvider{APIKey: apiKey, Model: model, Silence: silence}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) NewSession() Session {
	base := p.BaseURL
	if base == "" {
		base = "wss://api.deepgram.com"
	}
	return &deepgramSession{
		apiKey:   p.APIKey,
		model:    p.Model,
		silence:  p.Silence,
		baseURL:  base,
		audioCh:  make(chan []byte, 1000),
		partials: make(chan string, 100),
		stopCh:   make(chan struct{}),
	}
}

// deepgramSession streams mu-law audio to Deepgram live-listen and turns its
// Results/UtteranceEnd events into finalized utterances.
type deepgramSession struct {
	apiKey  string
	model   string
	silence time.Duration
	baseURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	audioCh    chan []byte
	partials   chan string
	utt        utterance
	stopCh     chan struct{}
	stopOnce   sync.Once
	reconnects int64
}

type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramSession) listenURL() string {
	params := url.Values{}
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("channels", "1")
	params.Set("model", s.model)
	params.Set("interim_results", "true")
	params.Set("smart_format", "true")
	params.Set("vad_events", "true")
	params.Set("endpointing", strconv.Itoa(int(s.silence/time.Millisecond)))
	// Deepgram enforces a 1000 ms floor on utterance_end_ms.
	uttEnd := s.silence
	if uttEnd < time.Second {
		uttEnd = time.Second
	}
	params.Set("utterance_end_ms", strconv.Itoa(int(uttEnd/time.Millisecond)))
	return s.baseURL + "/v1/listen?" + params.Encode()
}

func (s *deepgramSession) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	headers := map[string][]string{"Authorization": {"Token " + s.apiKey}}
	conn, resp, err := dialer.DialContext(ctx, s.listenURL(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}
	return conn, nil
}

// Connect opens the streaming channel and starts the read and write loops.
func (s *deepgramSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrCancelled
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.apiKey == "" {
		return fmt.Errorf("%w: deepgram api key missing", ErrUnavailable)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.writeLoop()
	return nil
}

func (s *deepgramSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Reconnects reports how many reconnect cycles the session has survived.
func (s *deepgramSession) Reconnects() int { return int(atomic.LoadInt64(&s.reconnects)) }

// SendAudio queues mu-law bytes. Drops silently while disconnected.
func (s *deepgramSession) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	ok := s.connected && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case s.audioCh <- mulaw:
	default:
		log.Println("stt: audio queue full, dropping packet")
	}
	return nil
}

func (s *deepgramSession) Partials() <-chan string { return s.partials }

func (s *deepgramSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrCancelled
	}
	s.mu.Unlock()
	return s.utt.wait(ctx, timeout)
}

// Close shuts the session down and prevents reconnection. The conn itself
// is released by the write loop; gorilla allows only one writer, so the
// CloseStream goodbye must not race a queued audio frame.
func (s *deepgramSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.utt.fail(ErrCancelled)
	return nil
}

// writeLoop is the single writer: queued audio frames plus periodic
// keepalives so Deepgram does not drop an idle connection.
func (s *deepgramSession) writeLoop() {
	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()
	for {
		select {
		case <-s.stopCh:
			s.shutdownConn()
			return
		case data := <-s.audioCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Printf("stt: write audio: %v", err)
			}
		case <-keepalive.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				log.Printf("stt: keepalive: %v", err)
			}
		}
	}
}

// shutdownConn says goodbye upstream and releases the socket. Runs on the
// write loop so nothing can race the final write.
func (s *deepgramSession) shutdownConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "CloseStream"})
		_ = conn.Close()
	}
}

func (s *deepgramSession) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Printf("stt: upstream closed: %v", err)
			s.reconnect()
			return
		}
		s.processMessage(message)
	}
}

func (s *deepgramSession) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("stt: bad message: %v", err)
		return
	}
	switch base.Type {
	case "Results":
		var res deepgramResult
		if err := json.Unmarshal(message, &res); err != nil {
			log.Printf("stt: bad Results message: %v", err)
			return
		}
		if len(res.Channel.Alternatives) == 0 {
			return
		}
		text := res.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		select {
		case s.partials <- text:
		default:
		}
		if res.IsFinal {
			s.utt.addFinal(text)
		}
		if res.SpeechFinal {
			s.utt.flush()
		}
	case "UtteranceEnd":
		s.utt.flush()
	case "Metadata", "SpeechStarted":
		// informational
	default:
		log.Printf("stt: unknown message type %q", base.Type)
	}
}

// reconnect retries with exponential backoff. Audio sent during the gap is
// dropped; an armed waiter keeps waiting until its own timeout.
func (s *deepgramSession) reconnect() {
	s.mu.Lock()
	s.connected = false
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	for attempt := 1; attempt <= reconnectRetries; attempt++ {
		wait := reconnectBase << uint(attempt-1)
		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("stt: reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.connected = true
		s.mu.Unlock()

		atomic.AddInt64(&s.reconnects, 1)
		log.Printf("stt: reconnected after %d attempt(s)", attempt)
		go s.readLoop(conn)
		return
	}

	log.Printf("stt: reconnect exhausted after %d attempts", reconnectRetries)
	s.utt.fail(ErrUnavailable)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
}
