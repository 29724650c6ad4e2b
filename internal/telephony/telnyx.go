package telephony

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// TelnyxProvider drives calls through the Telnyx Call Control API and
// validates its Ed25519 webhook signatures. The instruction document is
// TeXML, which is wire-compatible with TwiML for the stream connect verb.
type TelnyxProvider struct {
	apiKey       string
	connectionID string
	publicKey    ed25519.PublicKey
	baseURL      string
	httpClient   *http.Client
}

// NewTelnyxProvider builds a Telnyx-backed provider. publicKeyB64 is the
// account's webhook signing key; empty disables verification.
func NewTelnyxProvider(apiKey, connectionID, publicKeyB64 string) *TelnyxProvider {
	p := &TelnyxProvider{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      "https://api.telnyx.com",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	if publicKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil || len(key) != ed25519.PublicKeySize {
			log.Printf("telnyx: invalid public key, webhook verification disabled")
		} else {
			p.publicKey = ed25519.PublicKey(key)
		}
	}
	return p
}

func (t *TelnyxProvider) Name() string { return "telnyx" }

// SetBaseURL repoints the API endpoint; tests use a local server.
func (t *TelnyxProvider) SetBaseURL(u string) { t.baseURL = u }

type telnyxCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// PlaceCall dials out with bidirectional PCMU streaming to the media socket.
func (t *TelnyxProvider) PlaceCall(ctx context.Context, p PlaceCallParams) (string, error) {
	payload := map[string]any{
		"connection_id":               t.connectionID,
		"to":                          p.To,
		"from":                        p.From,
		"stream_url":                  p.MediaStreamURL,
		"stream_track":                "inbound_track",
		"stream_bidirectional_mode":   "rtp",
		"stream_bidirectional_codec":  "PCMU",
		"webhook_url":                 p.StatusCallbackURL,
		"webhook_url_method":          "POST",
		"timeout_secs":                60,
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v2/calls", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCarrierRejected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status=%d body=%s", ErrCarrierRejected, resp.StatusCode, string(b))
	}
	var cr telnyxCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrCarrierRejected, err)
	}
	if cr.Data.CallControlID == "" {
		return "", fmt.Errorf("%w: no call_control_id returned", ErrCarrierRejected)
	}
	return cr.Data.CallControlID, nil
}

// Hangup tears down an active call leg.
func (t *TelnyxProvider) Hangup(ctx context.Context, callRef string) error {
	u := fmt.Sprintf("%s/v2/calls/%s/actions/hangup", t.baseURL, callRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telnyx hangup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telnyx hangup: status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// VerifyWebhook checks the Ed25519 signature over "timestamp|body". With no
// configured key the check passes.
func (t *TelnyxProvider) VerifyWebhook(r *http.Request, body []byte) bool {
	if t.publicKey == nil {
		return true
	}
	sigB64 := r.Header.Get("Telnyx-Signature-Ed25519")
	timestamp := r.Header.Get("Telnyx-Timestamp")
	if sigB64 == "" || timestamp == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	message := append([]byte(timestamp+"|"), body...)
	return ed25519.Verify(t.publicKey, message, sig)
}

type telnyxWebhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseStatusEvent maps Telnyx call-control events onto lifecycle events.
func (t *TelnyxProvider) ParseStatusEvent(r *http.Request, body []byte) (StatusEvent, error) {
	var wh telnyxWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return StatusEvent{}, fmt.Errorf("telnyx status: %w", err)
	}
	evt := StatusEvent{CallRef: wh.Data.Payload.CallControlID}
	if evt.CallRef == "" {
		return StatusEvent{}, fmt.Errorf("telnyx status: missing call_control_id")
	}
	switch wh.Data.EventType {
	case "call.initiated", "call.ringing":
		evt.Kind = EventRinging
	case "call.answered":
		evt.Kind = EventAnswered
	case "call.hangup":
		evt.Kind = EventHangup
	default:
		evt.Kind = EventIgnored
	}
	return evt, nil
}

// CallInstruction renders the TeXML stream-connect document.
func (t *TelnyxProvider) CallInstruction(mediaStreamURL string) (string, string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(mediaStreamURL)); err != nil {
		return "", "", err
	}
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" bidirectionalMode="rtp" codec="PCMU"/>
  </Connect>
</Response>`, escaped.String())
	return "application/xml", doc, nil
}
