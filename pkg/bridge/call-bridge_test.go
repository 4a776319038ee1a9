package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dialgate/voicebridge/pkg/ai"
)

// ============================================
// TEST DOUBLES
// ============================================

type fakeTransport struct {
	in chan *MediaEvent

	mu     sync.Mutex
	writes [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *MediaEvent, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadEvent() (*MediaEvent, error) {
	select {
	case ev := <-f.in:
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMedia(mulaw []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, mulaw)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) writeAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[i]
}

type fakeSession struct {
	events chan ai.Event

	mu    sync.Mutex
	audio [][]byte
	texts []string

	inRate, outRate int

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSession(inRate, outRate int) *fakeSession {
	return &fakeSession{
		events:  make(chan ai.Event, 16),
		inRate:  inRate,
		outRate: outRate,
		closed:  make(chan struct{}),
	}
}

func (f *fakeSession) SendAudio(pcm []byte) error {
	select {
	case <-f.closed:
		return ai.ErrSessionClosed
	default:
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, buf)
	return nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSession) Events() <-chan ai.Event { return f.events }
func (f *fakeSession) InputSampleRate() int    { return f.inRate }
func (f *fakeSession) OutputSampleRate() int   { return f.outRate }

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.events)
	})
	return nil
}

func (f *fakeSession) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeSession) audioAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio[i]
}

func newTestBridge(callID string, sess ai.Session, tr MediaTransport, reg *Registry) *Bridge {
	b := New(callID, ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"}, tr, reg, nil)
	b.open = func(ctx context.Context, cfg ai.Config) (ai.Session, error) {
		return sess, nil
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================
// TESTS
// ============================================

func TestBridgeRelaysBothDirections(t *testing.T) {
	tr := newFakeTransport()
	sess := newFakeSession(16000, 24000)
	reg := NewRegistry()

	b := newTestBridge("c1", sess, tr, reg)
	if err := reg.Register("c1", b); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	waitFor(t, "streaming state", func() bool { return b.State() == StateStreaming })

	// One 20ms frame of µ-law (160 bytes at 8kHz) must reach the session as
	// PCM16 at its input rate: 320 samples = 640 bytes at 16kHz.
	tr.in <- &MediaEvent{Event: EventStart}
	tr.in <- &MediaEvent{
		Event: EventMedia,
		Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(make([]byte, 160))},
	}

	waitFor(t, "upstream audio", func() bool { return sess.audioCount() == 1 })
	if got := len(sess.audioAt(0)); got != 640 {
		t.Fatalf("upstream frame = %d bytes, want 640", got)
	}

	// Nothing goes back to the phone until the upstream speaks.
	if tr.writeCount() != 0 {
		t.Fatal("telephony-bound frame emitted before upstream audio")
	}

	// 20ms of provider audio (960 bytes at 24kHz) comes back as one
	// 160-byte µ-law media frame.
	sess.events <- ai.Event{Type: ai.EventAudio, Audio: make([]byte, 960)}
	waitFor(t, "telephony frame", func() bool { return tr.writeCount() == 1 })
	if got := len(tr.writeAt(0)); got != 160 {
		t.Fatalf("telephony frame = %d bytes, want 160", got)
	}

	// The gateway's stop event ends the call.
	tr.in <- &MediaEvent{Event: EventStop}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down after stop")
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if _, ok := reg.Lookup("c1"); ok {
		t.Fatal("bridge still registered after close")
	}

	m := b.Metrics()
	if m.TelephonyFrames != 1 || m.UpstreamFrames != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestBridgeDropsMalformedFrameAndContinues(t *testing.T) {
	tr := newFakeTransport()
	sess := newFakeSession(16000, 24000)
	reg := NewRegistry()

	b := newTestBridge("c2", sess, tr, reg)
	reg.Register("c2", b)
	go b.Run(context.Background())

	waitFor(t, "streaming state", func() bool { return b.State() == StateStreaming })

	tr.in <- &MediaEvent{Event: EventMedia, Media: &MediaPayload{Payload: "%%% not base64 %%%"}}
	tr.in <- &MediaEvent{
		Event: EventMedia,
		Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(make([]byte, 160))},
	}

	waitFor(t, "good frame relayed", func() bool { return sess.audioCount() == 1 })

	if b.State() != StateStreaming {
		t.Fatalf("state = %s, a bad frame must not end the call", b.State())
	}
	if got := b.Metrics().TelephonyDropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	b.Close()
}

func TestBridgeUpstreamErrorClosesEverything(t *testing.T) {
	tr := newFakeTransport()
	sess := newFakeSession(16000, 24000)
	reg := NewRegistry()

	b := newTestBridge("c3", sess, tr, reg)
	reg.Register("c3", b)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	waitFor(t, "streaming state", func() bool { return b.State() == StateStreaming })

	// The telephony side never hangs up; the upstream failure alone must
	// tear the whole call down.
	sess.events <- ai.Event{Type: ai.EventError, Err: errors.New("model exploded")}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down after upstream error")
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if _, ok := reg.Lookup("c3"); ok {
		t.Fatal("registry still resolves the call after close")
	}
	if !tr.isClosed() {
		t.Fatal("telephony transport left open")
	}
}

func TestBridgeOpenFailureGoesStraightToClosed(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()

	b := New("c4", ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"}, tr, reg, nil)
	openErr := &ai.OpenError{Provider: ai.ProviderOpenAI, Err: errors.New("401")}
	b.open = func(ctx context.Context, cfg ai.Config) (ai.Session, error) {
		return nil, openErr
	}
	reg.Register("c4", b)

	err := b.Run(context.Background())

	var oe *ai.OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("Run returned %v, want *ai.OpenError", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if !tr.isClosed() {
		t.Fatal("telephony side not told to disconnect")
	}
	if _, ok := reg.Lookup("c4"); ok {
		t.Fatal("failed bridge left registered")
	}
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	b := New("c5", ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"}, tr, NewRegistry(), nil)

	b.Close()
	b.Close() // must be a no-op

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBridgeStatesFromConnecting(t *testing.T) {
	// Closing a bridge that never opened goes Connecting -> Closed with no
	// intermediate state.
	tr := newFakeTransport()
	b := New("c6", ai.Config{Provider: ai.ProviderOpenAI, APIKey: "k"}, tr, NewRegistry(), nil)

	if b.State() != StateConnecting {
		t.Fatalf("initial state = %s, want connecting", b.State())
	}
	b.Close()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBridgeContextCancellationEndsCall(t *testing.T) {
	tr := newFakeTransport()
	sess := newFakeSession(16000, 24000)

	b := newTestBridge("c7", sess, tr, NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, "streaming state", func() bool { return b.State() == StateStreaming })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down on context cancellation")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBridgeBackpressureDropsOldest(t *testing.T) {
	tr := newFakeTransport()
	sess := newFakeSession(16000, 24000)
	b := newTestBridge("c8", sess, tr, NewRegistry())

	// Fill the outbound queue directly; the write pump is not running.
	for i := 0; i < outQueueSize+10; i++ {
		b.enqueueOut([]byte{byte(i)})
	}

	if got := b.Metrics().UpstreamDropped; got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
	// The queue holds the newest frames; the oldest were evicted.
	first := <-b.out
	if first[0] != 10 {
		t.Fatalf("oldest queued frame = %d, want 10", first[0])
	}
}

func TestRegistryStatusForUnknownCall(t *testing.T) {
	reg := NewRegistry()
	if got := reg.Status(fmt.Sprintf("missing-%d", time.Now().UnixNano())); got != StateNotFound {
		t.Fatalf("status = %s, want not_found", got)
	}
}
