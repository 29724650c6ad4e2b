package tts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramClient streams synthesis over Deepgram's speak WebSocket. Output is
// raw linear16 mono at the configured rate.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
}

// NewDeepgramClient builds a Deepgram TTS provider. voice is the Aura model
// name; empty selects a default.
func NewDeepgramClient(apiKey, voice string, sampleRate int) *DeepgramClient {
	if voice == "" {
		voice = "aura-2-thalia-en"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &DeepgramClient{apiKey: apiKey, model: voice, sampleRate: sampleRate}
}

func (d *DeepgramClient) Name() string    { return "deepgram" }
func (d *DeepgramClient) Voice() string   { return d.model }
func (d *DeepgramClient) SampleRate() int { return d.sampleRate }

// Synthesize collects the full stream into one buffer.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	pcmCh, errCh := d.Stream(ctx, text)
	var buf bytes.Buffer
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			buf.Write(b)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil {
				return nil, 0, e
			}
		}
	}
	if buf.Len() == 0 {
		return nil, 0, fmt.Errorf("%w: deepgram returned no audio", ErrSynthesisFailed)
	}
	return buf.Bytes(), d.sampleRate, nil
}

// Stream opens a speak WS session and forwards binary PCM frames. The session
// is closed after an idle window with no further audio, or a hard deadline.
func (d *DeepgramClient) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("%w: deepgram api key missing", ErrSynthesisFailed)
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   "linear16",
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32

		cb := &speakCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
			}
			return nil
		}}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("%w: create ws client: %v", ErrSynthesisFailed, err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("%w: deepgram connect failed", ErrSynthesisFailed)
			return
		}

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("%w: speak text: %v", ErrSynthesisFailed, err)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Printf("deepgram tts: flush error: %v", err)
		}

		idleWindow := 400 * time.Millisecond
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(12 * time.Second)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > idleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
