// Package media implements the carrier-facing media stream session: a
// line-delimited JSON frame protocol over WebSocket carrying base64 mu-law
// audio, with paced outbound playback and mark-based playout confirmation.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chadiek/callbridge/internal/audio"
)

const (
	targetRate = 8000
	// 500 ms chunks: small chunks (20-50 ms) were choppy under jittery
	// networks, and anything longer hurts interactive latency.
	chunkBytes = 4000
	chunkDur   = 500 * time.Millisecond
	// paceLead keeps a shallow jitter buffer at the carrier without
	// starving it.
	paceLead    = 50 * time.Millisecond
	markPadding = 2 * time.Second
)

// ErrStreamClosed reports that the carrier socket went away mid-operation.
var ErrStreamClosed = errors.New("media: stream closed")

// Frame is the envelope for every message on the media socket.
type Frame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload announces the carrier-assigned stream and call identifiers.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid,omitempty"`
	CallControlID    string            `json:"call_control_id,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 mu-law audio chunk.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload is the loopback tag confirming playout.
type MarkPayload struct {
	Name string `json:"name"`
}

// Stream is one live media WebSocket session. Inbound mu-law bytes are
// handed to the audio sink; outbound PCM is resampled, encoded, chunked and
// paced. Writes are serialized; gorilla conns allow one writer at a time.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	streamSid string
	callRef   string
	started   bool
	stopped   bool
	onAudio   func([]byte)
	marks     map[string]chan struct{}

	startedCh chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewStream wraps an upgraded carrier WebSocket.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{
		conn:      conn,
		marks:     make(map[string]chan struct{}),
		startedCh: make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
}

// SetAudioSink routes inbound mu-law bytes; must be non-blocking.
func (s *Stream) SetAudioSink(fn func([]byte)) {
	s.mu.Lock()
	s.onAudio = fn
	s.mu.Unlock()
}

// StreamSid returns the carrier-assigned stream identifier, empty before start.
func (s *Stream) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// CallRef returns the carrier call reference announced in the start frame.
func (s *Stream) CallRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callRef
}

// Started is closed once the start frame has been received.
func (s *Stream) Started() <-chan struct{} { return s.startedCh }

// Closed is closed when the socket is gone or the carrier sent stop.
func (s *Stream) Closed() <-chan struct{} { return s.closedCh }

// WaitStart blocks until the carrier announces the stream or ctx expires.
func (s *Stream) WaitStart(ctx context.Context) error {
	select {
	case <-s.startedCh:
		return nil
	case <-s.closedCh:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the read loop. It returns when the socket closes.
func (s *Stream) Run() {
	defer s.markClosed()
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		s.handleFrame(&f)
	}
}

func (s *Stream) handleFrame(f *Frame) {
	switch f.Event {
	case "start":
		s.mu.Lock()
		if f.Start != nil {
			s.streamSid = f.Start.StreamSid
			s.callRef = f.Start.CallSid
			if s.callRef == "" {
				s.callRef = f.Start.CallControlID
			}
		}
		if s.streamSid == "" {
			s.streamSid = f.StreamSid
		}
		already := s.started
		s.started = true
		s.mu.Unlock()
		if !already {
			close(s.startedCh)
		}
	case "media":
		s.mu.Lock()
		ok := s.started && !s.stopped
		sink := s.onAudio
		s.mu.Unlock()
		// Frames outside the start/stop window are dropped.
		if !ok || sink == nil || f.Media == nil {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			log.Printf("media: bad payload: %v", err)
			return
		}
		sink(payload)
	case "mark":
		if f.Mark == nil {
			return
		}
		s.mu.Lock()
		ch := s.marks[f.Mark.Name]
		delete(s.marks, f.Mark.Name)
		s.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	case "stop":
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.markClosed()
	}
}

// Play resamples pcm to 8 kHz, mu-law encodes it, and emits it as paced
// media frames followed by a mark. It returns once the mark echoes back or
// the safety timeout lapses; carriers without mark support still drain.
func (s *Stream) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	sid := s.streamSid
	started := s.started
	s.mu.Unlock()
	if !started {
		return fmt.Errorf("media: play before start frame")
	}

	samples := audio.BytesToInt16(pcm)
	if sampleRate != targetRate {
		samples = audio.ResampleLinear(samples, sampleRate, targetRate)
	}
	encoded := audio.MuLawEncode(samples)

	nchunks := 0
	for off := 0; off < len(encoded); off += chunkBytes {
		end := off + chunkBytes
		if end > len(encoded) {
			end = len(encoded)
		}
		frame := Frame{
			Event:     "media",
			StreamSid: sid,
			Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(encoded[off:end])},
		}
		if err := s.writeFrame(&frame); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
		nchunks++

		last := end == len(encoded)
		if !last {
			select {
			case <-time.After(chunkDur - paceLead):
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closedCh:
				return ErrStreamClosed
			}
		}
	}

	// A mark is emitted even for empty audio so the turn still has a
	// playout boundary.
	name := "m-" + uuid.NewString()
	wait := make(chan struct{})
	s.mu.Lock()
	s.marks[name] = wait
	s.mu.Unlock()

	mark := Frame{Event: "mark", StreamSid: sid, Mark: &MarkPayload{Name: name}}
	if err := s.writeFrame(&mark); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}

	timeout := time.Duration(nchunks)*chunkDur + markPadding
	select {
	case <-wait:
	case <-time.After(timeout):
		// Not every carrier echoes marks; the pacing already bounded how
		// much audio can be in flight.
		log.Printf("media: mark %s not echoed within %v", name, timeout)
		s.mu.Lock()
		delete(s.marks, name)
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.marks, name)
		s.mu.Unlock()
		return ctx.Err()
	case <-s.closedCh:
		return ErrStreamClosed
	}
	return nil
}

func (s *Stream) writeFrame(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closedCh:
		return ErrStreamClosed
	default:
	}
	return s.conn.WriteJSON(f)
}

// Close tears the socket down.
func (s *Stream) Close() error {
	s.markClosed()
	return s.conn.Close()
}

func (s *Stream) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		s.mu.Lock()
		for name, ch := range s.marks {
			close(ch)
			delete(s.marks, name)
		}
		s.mu.Unlock()
	})
}
