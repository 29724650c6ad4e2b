package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// TwilioProvider drives calls through the Twilio REST API and validates its
// HMAC-SHA1 webhook signatures.
type TwilioProvider struct {
	accountSID string
	authToken  string
	client     *twilio.RestClient
}

// NewTwilioProvider builds a Twilio-backed provider.
func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{accountSID: accountSID, authToken: authToken, client: client}
}

func (t *TwilioProvider) Name() string { return "twilio" }

// PlaceCall creates an outbound call with inline TwiML pointing the carrier
// at the media stream, and subscribes to lifecycle status callbacks.
func (t *TwilioProvider) PlaceCall(ctx context.Context, p PlaceCallParams) (string, error) {
	_, doc, err := t.CallInstruction(p.MediaStreamURL)
	if err != nil {
		return "", err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetTwiml(doc)
	params.SetStatusCallback(p.StatusCallbackURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCarrierRejected, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("%w: no call sid returned", ErrCarrierRejected)
	}
	return *resp.Sid, nil
}

// Hangup completes an in-progress call.
func (t *TwilioProvider) Hangup(ctx context.Context, callRef string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.client.Api.UpdateCall(callRef, params); err != nil {
		return fmt.Errorf("twilio hangup: %w", err)
	}
	return nil
}

// VerifyWebhook checks X-Twilio-Signature: HMAC-SHA1 over the full URL plus
// the sorted form parameters.
func (t *TwilioProvider) VerifyWebhook(r *http.Request, body []byte) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if t.authToken == "" || signature == "" {
		return false
	}
	params, err := parseForm(body)
	if err != nil {
		return false
	}
	requestURL := fmt.Sprintf("https://%s%s", r.Host, r.URL.Path)

	data := requestURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(t.authToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ParseStatusEvent maps Twilio form callbacks onto the lifecycle events the
// call state machine consumes.
func (t *TwilioProvider) ParseStatusEvent(r *http.Request, body []byte) (StatusEvent, error) {
	params, err := parseForm(body)
	if err != nil {
		return StatusEvent{}, fmt.Errorf("twilio status: %w", err)
	}
	evt := StatusEvent{CallRef: params["CallSid"]}
	if evt.CallRef == "" {
		return StatusEvent{}, fmt.Errorf("twilio status: missing CallSid")
	}
	switch params["CallStatus"] {
	case "ringing":
		evt.Kind = EventRinging
	case "in-progress", "answered":
		evt.Kind = EventAnswered
	case "completed", "busy", "failed", "no-answer", "canceled":
		evt.Kind = EventHangup
	default:
		evt.Kind = EventIgnored
	}
	return evt, nil
}

// CallInstruction renders TwiML connecting the call to the media stream.
func (t *TwilioProvider) CallInstruction(mediaStreamURL string) (string, string, error) {
	stream := &twiml.VoiceStream{Url: mediaStreamURL}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", "", fmt.Errorf("twilio: build twiml: %w", err)
	}
	return "application/xml", doc, nil
}

func parseForm(body []byte) (map[string]string, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params, nil
}
