package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func signTwilio(authToken, fullURL string, params map[string]string) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilio_VerifyWebhook(t *testing.T) {
	p := NewTwilioProvider("AC123", "secret-token")

	params := map[string]string{"CallSid": "CA1", "CallStatus": "ringing"}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	body := form.Encode()

	r := httptest.NewRequest("POST", "https://calls.example.com/status", strings.NewReader(body))
	r.Host = "calls.example.com"
	r.Header.Set("X-Twilio-Signature", signTwilio("secret-token", "https://calls.example.com/status", params))
	if !p.VerifyWebhook(r, []byte(body)) {
		t.Fatalf("expected valid signature to verify")
	}

	r.Header.Set("X-Twilio-Signature", "bogus")
	if p.VerifyWebhook(r, []byte(body)) {
		t.Fatalf("expected bogus signature to fail")
	}

	r.Header.Del("X-Twilio-Signature")
	if p.VerifyWebhook(r, []byte(body)) {
		t.Fatalf("expected missing signature to fail")
	}
}

func TestTwilio_ParseStatusEvent(t *testing.T) {
	p := NewTwilioProvider("AC123", "tok")
	cases := []struct {
		status string
		want   EventKind
	}{
		{"ringing", EventRinging},
		{"in-progress", EventAnswered},
		{"completed", EventHangup},
		{"busy", EventHangup},
		{"queued", EventIgnored},
	}
	for _, tc := range cases {
		form := url.Values{}
		form.Set("CallSid", "CA42")
		form.Set("CallStatus", tc.status)
		r := httptest.NewRequest("POST", "/status", nil)
		evt, err := p.ParseStatusEvent(r, []byte(form.Encode()))
		if err != nil {
			t.Fatalf("%s: %v", tc.status, err)
		}
		if evt.CallRef != "CA42" || evt.Kind != tc.want {
			t.Fatalf("%s: got %+v, want kind %q", tc.status, evt, tc.want)
		}
	}

	r := httptest.NewRequest("POST", "/status", nil)
	if _, err := p.ParseStatusEvent(r, []byte("CallStatus=ringing")); err == nil {
		t.Fatalf("expected error when CallSid missing")
	}
}

func TestTwilio_CallInstruction(t *testing.T) {
	p := NewTwilioProvider("AC123", "tok")
	ct, doc, err := p.CallInstruction("wss://calls.example.com/media-stream")
	if err != nil {
		t.Fatalf("instruction: %v", err)
	}
	if ct != "application/xml" {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(doc, "<Connect>") {
		t.Fatalf("missing Connect verb: %s", doc)
	}
	if !strings.Contains(doc, `url="wss://calls.example.com/media-stream"`) {
		t.Fatalf("missing stream url: %s", doc)
	}
}
