package call

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/callbridge/internal/stt"
	"github.com/chadiek/callbridge/internal/telephony"
)

type fakePhone struct {
	mu       sync.Mutex
	placeErr error
	placed   []telephony.PlaceCallParams
	hangups  []string
}

func (f *fakePhone) Name() string { return "fake" }

func (f *fakePhone) PlaceCall(ctx context.Context, p telephony.PlaceCallParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, p)
	return "ref-1", nil
}

func (f *fakePhone) Hangup(ctx context.Context, callRef string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, callRef)
	f.mu.Unlock()
	return nil
}

func (f *fakePhone) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakePhone) VerifyWebhook(r *http.Request, body []byte) bool { return true }

func (f *fakePhone) ParseStatusEvent(r *http.Request, body []byte) (telephony.StatusEvent, error) {
	return telephony.StatusEvent{}, nil
}

func (f *fakePhone) CallInstruction(mediaStreamURL string) (string, string, error) {
	return "application/xml", "<Response/>", nil
}

type fakeTTS struct {
	pcm   []byte
	rate  int
	err   error
	calls int32
}

func (f *fakeTTS) Name() string    { return "fake-tts" }
func (f *fakeTTS) Voice() string   { return "test" }
func (f *fakeTTS) SampleRate() int { return f.rate }

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.pcm, f.rate, nil
}

func (f *fakeTTS) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 1)
	errs := make(chan error, 1)
	if f.err != nil {
		errs <- f.err
	} else {
		audio <- f.pcm
	}
	close(audio)
	close(errs)
	return audio, errs
}

type reply struct {
	text string
	err  error
}

type fakeRec struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	closed     bool
	audio      [][]byte
	partials   chan string
	replies    chan reply
	waits      int32
}

func newFakeRec() *fakeRec {
	return &fakeRec{
		partials: make(chan string, 8),
		replies:  make(chan reply, 4),
	}
}

func (f *fakeRec) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeRec) SendAudio(mulaw []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, mulaw)
	f.mu.Unlock()
	return nil
}

func (f *fakeRec) Partials() <-chan string { return f.partials }

func (f *fakeRec) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	atomic.AddInt32(&f.waits, 1)
	select {
	case r := <-f.replies:
		return r.text, r.err
	case <-time.After(timeout):
		return "", stt.ErrTranscriptTimeout
	case <-ctx.Done():
		return "", stt.ErrCancelled
	}
}

func (f *fakeRec) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRec) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRec) deliver(text string) { f.replies <- reply{text: text} }

func (f *fakeRec) waitCount() int32 { return atomic.LoadInt32(&f.waits) }

func (f *fakeRec) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRecProvider struct{ session *fakeRec }

func (f fakeRecProvider) Name() string            { return "fake-stt" }
func (f fakeRecProvider) NewSession() stt.Session { return f.session }

type playRecord struct {
	pcm  []byte
	rate int
}

type fakeMedia struct {
	ref string

	mu      sync.Mutex
	plays   []playRecord
	sink    func([]byte)
	playErr error
	hold    chan struct{} // when set, Play blocks until released or ctx ends

	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeMedia(ref string) *fakeMedia {
	return &fakeMedia{ref: ref, closedCh: make(chan struct{})}
}

func (f *fakeMedia) CallRef() string { return f.ref }

func (f *fakeMedia) SetAudioSink(fn func([]byte)) {
	f.mu.Lock()
	f.sink = fn
	f.mu.Unlock()
}

func (f *fakeMedia) Play(ctx context.Context, pcm []byte, rate int) error {
	f.mu.Lock()
	hold := f.hold
	playErr := f.playErr
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closedCh:
			return ErrCallEnded
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if playErr != nil {
		return playErr
	}
	f.mu.Lock()
	f.plays = append(f.plays, playRecord{pcm: pcm, rate: rate})
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeMedia) Closed() <-chan struct{} { return f.closedCh }

func (f *fakeMedia) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

type harness struct {
	m     *Manager
	phone *fakePhone
	tts   *fakeTTS
	rec   *fakeRec
	media *fakeMedia
}

func newHarness(cfg Config) *harness {
	phone := &fakePhone{}
	synth := &fakeTTS{pcm: make([]byte, 3200), rate: 8000}
	rec := newFakeRec()
	media := newFakeMedia("ref-1")
	m := NewManager(phone, synth, fakeRecProvider{session: rec}, cfg)
	return &harness{m: m, phone: phone, tts: synth, rec: rec, media: media}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type initiateResult struct {
	id   string
	resp string
	err  error
}

// connect drives a call to READY and completes the opening turn with the
// given callee reply.
func (h *harness) connect(t *testing.T, firstReply string) initiateResult {
	t.Helper()
	done := make(chan initiateResult, 1)
	go func() {
		id, resp, err := h.m.Initiate(context.Background(), "hello, can you hear me?")
		done <- initiateResult{id: id, resp: resp, err: err}
	}()

	waitFor(t, "call registration", func() bool { return h.m.ActiveCalls() == 1 })
	h.m.HandleStatus(telephony.StatusEvent{CallRef: "ref-1", Kind: telephony.EventRinging})
	h.m.HandleStatus(telephony.StatusEvent{CallRef: "ref-1", Kind: telephony.EventAnswered})
	if err := h.m.BindMedia(h.media); err != nil {
		t.Fatalf("bind media: %v", err)
	}
	h.rec.deliver(firstReply)

	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("initiate never returned")
		return initiateResult{}
	}
}
