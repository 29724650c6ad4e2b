package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/callbridge/internal/audio"
)

// OpenAIClient speaks the OpenAI-compatible /audio/speech API. The base URL
// selects the provider flavor: endpoints whose URL mentions "lemonfox" return
// WAV instead of raw 24 kHz PCM, so the response header wins over the
// advertised rate there.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	voice      string
	model      string
	sampleRate int
	httpClient *http.Client
}

// NewOpenAIClient builds a client for an OpenAI-compatible TTS endpoint.
func NewOpenAIClient(apiKey, baseURL, voice, model string, sampleRate int) *OpenAIClient {
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		voice:      voice,
		model:      model,
		sampleRate: sampleRate,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *OpenAIClient) Name() string    { return "openai" }
func (c *OpenAIClient) Voice() string   { return c.voice }
func (c *OpenAIClient) SampleRate() int { return c.sampleRate }

func (c *OpenAIClient) wavFlavor() bool {
	return strings.Contains(c.baseURL, "lemonfox")
}

// Synthesize runs a one-shot request and returns mono PCM16 plus its rate.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	body, err := c.request(ctx, text)
	if err != nil {
		return nil, 0, err
	}
	if audio.IsWAV(body) {
		pcm, info, perr := audio.ParseWAV(body)
		if perr != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrSynthesisFailed, perr)
		}
		return pcm, info.SampleRate, nil
	}
	return body, c.sampleRate, nil
}

// Stream delivers PCM chunks as the HTTP body arrives. The WAV flavor cannot
// be streamed incrementally (the header length is unknown up front), so it
// falls back to one-shot synthesis and chunks the result.
func (c *OpenAIClient) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if c.wavFlavor() {
			pcm, _, err := c.Synthesize(ctx, text)
			if err != nil {
				errCh <- err
				return
			}
			const chunk = 4096
			for off := 0; off < len(pcm); off += chunk {
				end := off + chunk
				if end > len(pcm) {
					end = len(pcm)
				}
				select {
				case pcmCh <- pcm[off:end]:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		if err := c.streamBody(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (c *OpenAIClient) request(ctx context.Context, text string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: api key missing", ErrSynthesisFailed)
	}
	format := "pcm"
	if c.wavFlavor() {
		format = "wav"
	}
	payload := map[string]any{
		"model":           c.model,
		"input":           text,
		"voice":           c.voice,
		"response_format": format,
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrSynthesisFailed, resp.StatusCode, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrSynthesisFailed, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrSynthesisFailed)
	}
	return body, nil
}

func (c *OpenAIClient) streamBody(ctx context.Context, text string, pcmCh chan<- []byte) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: api key missing", ErrSynthesisFailed)
	}
	payload := map[string]any{
		"model":           c.model,
		"input":           text,
		"voice":           c.voice,
		"response_format": "pcm",
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status=%d body=%s", ErrSynthesisFailed, resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	got := false
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			got = true
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if !got {
					return fmt.Errorf("%w: empty response body", ErrSynthesisFailed)
				}
				return nil
			}
			log.Printf("tts: stream read error: %v", rerr)
			return fmt.Errorf("%w: %v", ErrSynthesisFailed, rerr)
		}
	}
}
