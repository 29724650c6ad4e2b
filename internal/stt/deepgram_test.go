package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// listenSim is a scripted stand-in for the Deepgram live endpoint.
type listenSim struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newListenSim(t *testing.T) *listenSim {
	sim := &listenSim{conns: make(chan *websocket.Conn, 4)}
	sim.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sim.conns <- conn
		// Keep reading so client writes (audio, keepalive) do not stall.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(sim.srv.Close)
	return sim
}

func (s *listenSim) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *listenSim) accept(t *testing.T) *websocket.Conn {
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no upstream connection arrived")
		return nil
	}
}

func sendResult(t *testing.T, conn *websocket.Conn, text string, isFinal, speechFinal bool) {
	msg := map[string]any{
		"type":         "Results",
		"is_final":     isFinal,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text}},
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("sim write: %v", err)
	}
}

func newTestSession(t *testing.T, sim *listenSim) *deepgramSession {
	p := NewDeepgramProvider("dg-key", "nova-2-phonecall", 800*time.Millisecond)
	p.BaseURL = sim.wsURL()
	s := p.NewSession().(*deepgramSession)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeepgram_FinalWithSpeechFinalResolvesWaiter(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	upstream := sim.accept(t)

	done := make(chan struct{})
	var text string
	var err error
	go func() {
		text, err = s.WaitForTranscript(context.Background(), 2*time.Second)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	sendResult(t, upstream, "ok", false, false) // interim
	sendResult(t, upstream, "okay", true, true)

	<-done
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if text != "okay" {
		t.Fatalf("transcript = %q, want okay", text)
	}
}

func TestDeepgram_UtteranceEndConcatenatesFinals(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	upstream := sim.accept(t)

	done := make(chan struct{})
	var text string
	go func() {
		text, _ = s.WaitForTranscript(context.Background(), 2*time.Second)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	sendResult(t, upstream, "that is", true, false)
	sendResult(t, upstream, "all", true, false)
	if err := upstream.WriteJSON(map[string]string{"type": "UtteranceEnd"}); err != nil {
		t.Fatalf("sim write: %v", err)
	}

	<-done
	if text != "that is all" {
		t.Fatalf("transcript = %q, want %q", text, "that is all")
	}
}

func TestDeepgram_WaiterTimeout(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	sim.accept(t)

	start := time.Now()
	_, err := s.WaitForTranscript(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrTranscriptTimeout) {
		t.Fatalf("expected ErrTranscriptTimeout, got %v", err)
	}
	if time.Since(start) > 600*time.Millisecond {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestDeepgram_SingleWaiterInvariant(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	sim.accept(t)

	go func() {
		_, _ = s.WaitForTranscript(context.Background(), time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := s.WaitForTranscript(context.Background(), time.Second); !errors.Is(err, ErrWaiterActive) {
		t.Fatalf("expected ErrWaiterActive, got %v", err)
	}
}

func TestDeepgram_ReconnectAfterAbnormalClose(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	first := sim.accept(t)

	done := make(chan struct{})
	var text string
	var err error
	go func() {
		text, err = s.WaitForTranscript(context.Background(), 10*time.Second)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	// Kill the upstream socket without a close handshake.
	_ = first.Close()

	// First backoff is one second; the session should redial after it.
	second := sim.accept(t)
	sendResult(t, second, "hello", true, true)

	<-done
	if err != nil {
		t.Fatalf("wait after reconnect: %v", err)
	}
	if text != "hello" {
		t.Fatalf("transcript = %q, want hello", text)
	}
	if got := s.Reconnects(); got != 1 {
		t.Fatalf("reconnect count = %d, want 1", got)
	}
}

func TestDeepgram_SendAudioDropsWhileDisconnected(t *testing.T) {
	p := NewDeepgramProvider("dg-key", "", 0)
	s := p.NewSession().(*deepgramSession)
	// Never connected: must not block or error.
	if err := s.SendAudio([]byte{0xff, 0xfe}); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestDeepgram_CloseCancelsWaiter(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	sim.accept(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForTranscript(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released by Close")
	}
}

// Teardown happens while the media sink is still forwarding audio; the
// goodbye must go through the write loop, never a second concurrent writer.
func TestDeepgram_CloseDoesNotRaceAudioWrites(t *testing.T) {
	msgs := make(chan []byte, 256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			for {
				mt, m, err := conn.ReadMessage()
				if err != nil {
					return
				}
				// Audio arrives as binary frames; only forward text frames so
				// the flood cannot evict the CloseStream goodbye.
				if mt == websocket.BinaryMessage {
					continue
				}
				select {
				case msgs <- m:
				default:
				}
			}
		}()
	}))
	defer srv.Close()

	p := NewDeepgramProvider("dg-key", "", 0)
	p.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	s := p.NewSession().(*deepgramSession)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 160)
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.SendAudio(buf)
				}
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	_ = s.Close()
	close(stop)
	wg.Wait()

	// The write loop still says goodbye upstream on its way out.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-msgs:
			if strings.Contains(string(m), "CloseStream") {
				return
			}
		case <-deadline:
			t.Fatal("CloseStream never arrived upstream")
		}
	}
}

func TestDeepgram_PartialsForwarded(t *testing.T) {
	sim := newListenSim(t)
	s := newTestSession(t, sim)
	upstream := sim.accept(t)

	sendResult(t, upstream, "hel", false, false)
	select {
	case got := <-s.Partials():
		if got != "hel" {
			t.Fatalf("partial = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no partial arrived")
	}
}
