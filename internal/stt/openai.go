package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// OpenAIProvider creates realtime transcription sessions against the OpenAI
// realtime API. The realtime endpoint accepts g711_ulaw natively, so carrier
// audio passes through without transcoding.
type OpenAIProvider struct {
	APIKey  string
	Model   string
	Silence time.Duration
	// BaseURL overrides the upstream endpoint for tests.
	BaseURL string
}

// NewOpenAIProvider builds a provider with the stock endpoint.
func NewOpenAIProvider(apiKey, model string, silence time.Duration) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini-transcribe"
	}
	if silence <= 0 {
		silence = 800 * time.Millisecond
	}
	return &OpenAIProvider{APIKey: apiKey, Model: model, Silence: silence}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) NewSession() Session {
	base := p.BaseURL
	if base == "" {
		base = "wss://api.openai.com"
	}
	return &openaiSession{
		apiKey:   p.APIKey,
		model:    p.Model,
		silence:  p.Silence,
		baseURL:  base,
		audioCh:  make(chan []byte, 1000),
		partials: make(chan string, 100),
		stopCh:   make(chan struct{}),
	}
}

type openaiSession struct {
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

// dial opens the realtime socket and configures the transcription session.
func (s *openaiSession) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	headers := map[string][]string{
		"Authorization": {"Bearer " + s.apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}
	conn, _, err := dialer.DialContext(ctx, s.baseURL+"/v1/realtime?intent=transcription", headers)
	if err != nil {
		return nil, fmt.Errorf("openai dial: %w", err)
	}

	cfg := map[string]any{
		"type": "transcription_session.update",
		"session": map[string]any{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": s.model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": int(s.silence / time.Millisecond),
			},
		},
	}
	if err := conn.WriteJSON(cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("openai session update: %w", err)
	}
	return conn, nil
}

func (s *openaiSession) Connect(ctx context.Context) error {
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
		return fmt.Errorf("%w: openai api key missing", ErrUnavailable)
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

func (s *openaiSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Reconnects reports how many reconnect cycles the session has survived.
func (s *openaiSession) Reconnects() int { return int(atomic.LoadInt64(&s.reconnects)) }

func (s *openaiSession) SendAudio(mulaw []byte) error {
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

func (s *openaiSession) Partials() <-chan string { return s.partials }

func (s *openaiSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrCancelled
	}
	s.mu.Unlock()
	return s.utt.wait(ctx, timeout)
}

// Close shuts the session down and prevents reconnection. The write loop
// owns the conn and releases it; gorilla allows only one writer.
func (s *openaiSession) Close() error {
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

// writeLoop is the single writer: queued audio frames plus periodic pings so
// an idle connection is not dropped between turns.
func (s *openaiSession) writeLoop() {
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
			msg := map[string]string{
				"type":  "input_audio_buffer.append",
				"audio": base64.StdEncoding.EncodeToString(data),
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("stt: write audio: %v", err)
			}
		case <-keepalive.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("stt: keepalive: %v", err)
			}
		}
	}
}

// shutdownConn releases the socket. Runs on the write loop so nothing can
// race an in-flight write.
func (s *openaiSession) shutdownConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *openaiSession) readLoop(conn *websocket.Conn) {
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

func (s *openaiSession) processMessage(message []byte) {
	var evt struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Transcript string `json:"transcript"`
		Error      *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &evt); err != nil {
		log.Printf("stt: bad message: %v", err)
		return
	}
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta != "" {
			select {
			case s.partials <- evt.Delta:
			default:
			}
		}
	case "conversation.item.input_audio_transcription.completed":
		// Server VAD commits the buffer on silence, so each completed item
		// is a full utterance.
		s.utt.addFinal(evt.Transcript)
		s.utt.flush()
	case "error":
		if evt.Error != nil {
			log.Printf("stt: upstream error: %s", evt.Error.Message)
		}
	}
}

// reconnect retries with exponential backoff. Audio sent during the gap is
// dropped; an armed waiter keeps waiting until its own timeout.
func (s *openaiSession) reconnect() {
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
