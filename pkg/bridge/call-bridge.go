package bridge

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dialgate/voicebridge/pkg/ai"
	"github.com/dialgate/voicebridge/pkg/audio"
	"github.com/dialgate/voicebridge/pkg/calllog"
	"github.com/dialgate/voicebridge/pkg/logging"
)

// ============================================
// CALL BRIDGE
// Per-call orchestrator between telephony and the AI session
// ============================================
// One bridge owns exactly one telephony media stream and one upstream AI
// session, pumps audio both ways through the codec, and tears both down when
// either side ends. Bridges for different calls share nothing but the
// registry.

// State is the lifecycle phase of a bridge. Closed is terminal.
type State string

const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
	// StateNotFound is reported by registry lookups for unknown call ids.
	StateNotFound State = "not_found"
)

const (
	// mediaFrameBytes is 20ms of µ-law at 8kHz, the gateway's frame size.
	mediaFrameBytes = 160
	// outQueueSize bounds telephony-bound frames (~1.3s of audio); overflow
	// drops the oldest frame first.
	outQueueSize = 64

	openTimeout  = 15 * time.Second
	drainTimeout = 2 * time.Second
)

// Metrics counts relayed and dropped frames for one call.
type Metrics struct {
	TelephonyFrames  atomic.Int64 // inbound frames relayed upstream
	TelephonyDropped atomic.Int64 // inbound frames dropped (malformed)
	UpstreamFrames   atomic.Int64 // frames written back to the phone
	UpstreamDropped  atomic.Int64 // telephony-bound frames dropped by backpressure
	BytesIn          atomic.Int64
	BytesOut         atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to serialize.
type MetricsSnapshot struct {
	TelephonyFrames  int64 `json:"telephony_frames"`
	TelephonyDropped int64 `json:"telephony_dropped"`
	UpstreamFrames   int64 `json:"upstream_frames"`
	UpstreamDropped  int64 `json:"upstream_dropped"`
	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TelephonyFrames:  m.TelephonyFrames.Load(),
		TelephonyDropped: m.TelephonyDropped.Load(),
		UpstreamFrames:   m.UpstreamFrames.Load(),
		UpstreamDropped:  m.UpstreamDropped.Load(),
		BytesIn:          m.BytesIn.Load(),
		BytesOut:         m.BytesOut.Load(),
	}
}

// Bridge relays audio between one telephony media stream and one upstream AI
// session for the lifetime of a call.
type Bridge struct {
	CallID string

	cfg       ai.Config
	transport MediaTransport
	registry  *Registry
	store     *calllog.Store
	log       *logrus.Entry

	// open is ai.Open, replaceable in tests.
	open func(context.Context, ai.Config) (ai.Session, error)

	mu        sync.Mutex
	state     State
	session   ai.Session
	endReason string

	out      chan []byte // µ-law frames bound for the phone
	draining chan struct{}

	drainOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	metrics Metrics
}

// New builds a bridge in Connecting state. The caller registers it and then
// calls Run; the bridge deregisters itself when it closes.
func New(callID string, cfg ai.Config, transport MediaTransport, registry *Registry, store *calllog.Store) *Bridge {
	return &Bridge{
		CallID:    callID,
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		store:     store,
		log: logging.Component("bridge").WithFields(logrus.Fields{
			"call_id":  callID,
			"provider": cfg.Provider,
		}),
		open:     ai.Open,
		state:    StateConnecting,
		out:      make(chan []byte, outQueueSize),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State reports the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the call's relay counters.
func (b *Bridge) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// Run drives the bridge until both sides are closed: opens the upstream
// session, starts the pumps and blocks until teardown completes. A failed
// open never relays audio; the telephony side is disconnected by the deferred
// Close.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Close()

	b.store.CallStarted(ctx, b.CallID, string(b.cfg.Provider))

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	session, err := b.open(openCtx, b.cfg)
	cancel()
	if err != nil {
		b.setEndReason("upstream_open_failed")
		b.log.WithError(err).Error("upstream open failed")
		return err
	}

	b.mu.Lock()
	if b.state == StateClosed {
		// Lost a race with Close while opening.
		b.mu.Unlock()
		session.Close()
		return nil
	}
	b.session = session
	b.state = StateStreaming
	b.mu.Unlock()

	b.store.CallStreaming(ctx, b.CallID)
	b.log.Info("streaming")

	// Cancellation of the surrounding context counts as a closing signal.
	go func() {
		select {
		case <-ctx.Done():
			b.drain("context_cancelled")
		case <-b.done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.telephonyPump(session) }()
	go func() { defer wg.Done(); b.upstreamPump(session) }()
	go func() { defer wg.Done(); b.writePump() }()
	wg.Wait()

	return nil
}

// telephonyPump relays phone audio upstream: decode µ-law, resample to the
// session's input rate, send. Control events (start/stop) are observed, not
// relayed. A malformed frame is dropped and logged; the call continues.
func (b *Bridge) telephonyPump(session ai.Session) {
	defer b.drain("telephony_disconnected")

	for {
		ev, err := b.transport.ReadEvent()
		if err != nil {
			if b.State() == StateConnecting || b.State() == StateStreaming {
				b.log.WithError(err).Info("telephony stream ended")
			}
			return
		}

		switch ev.Event {
		case EventStart:
			b.log.Info("media stream started")

		case EventStop:
			b.log.Info("media stream stopped")
			return

		case EventMedia:
			if ev.Media == nil || ev.Media.Payload == "" {
				continue
			}
			// Only phone-microphone audio goes upstream.
			if ev.Media.Track == "outbound" {
				continue
			}

			raw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				b.metrics.TelephonyDropped.Add(1)
				b.log.WithError(err).Warn("dropping malformed media frame")
				continue
			}

			pcm, err := audio.NewMulawFrame(raw).LinearPCM(session.InputSampleRate())
			if err != nil {
				b.metrics.TelephonyDropped.Add(1)
				b.log.WithError(err).Warn("dropping unconvertible media frame")
				continue
			}

			if err := session.SendAudio(pcm.Payload); err != nil {
				b.log.WithError(err).Info("upstream send failed")
				return
			}
			b.metrics.TelephonyFrames.Add(1)
			b.metrics.BytesIn.Add(int64(len(raw)))
		}
	}
}

// upstreamPump relays AI audio to the phone: resample to 8kHz, compand to
// µ-law, enqueue as gateway-sized frames. A dropped upstream connection is
// terminal for the call; there is no reconnect.
func (b *Bridge) upstreamPump(session ai.Session) {
	defer b.drain("upstream_disconnected")

	for ev := range session.Events() {
		switch ev.Type {
		case ai.EventAudio:
			frame, err := audio.NewPCM16Frame(ev.Audio, session.OutputSampleRate()).Companded()
			if err != nil {
				b.log.WithError(err).Warn("dropping unconvertible upstream audio")
				continue
			}
			for _, chunk := range audio.SplitBuffer(frame.Payload, mediaFrameBytes) {
				b.enqueueOut(chunk)
			}

		case ai.EventText:
			b.log.WithField("text", ev.Text).Debug("upstream text")

		case ai.EventError:
			b.setEndReason("upstream_error")
			b.log.WithError(ev.Err).Error("upstream error")
			return

		case ai.EventClosed:
			b.log.Info("upstream session closed")
			return
		}
	}
}

// enqueueOut queues one telephony-bound frame without blocking. When the
// queue is full the oldest frame is dropped first.
func (b *Bridge) enqueueOut(frame []byte) {
	select {
	case b.out <- frame:
		return
	default:
	}

	select {
	case <-b.out:
		b.metrics.UpstreamDropped.Add(1)
	default:
	}

	select {
	case b.out <- frame:
	default:
		b.metrics.UpstreamDropped.Add(1)
	}
}

// writePump is the only writer on the telephony side. Once a closing signal
// arrives it flushes already-queued frames, then finishes the teardown.
func (b *Bridge) writePump() {
	defer b.Close()

	for {
		select {
		case frame := <-b.out:
			if !b.writeOut(frame) {
				return
			}

		case <-b.draining:
			for {
				select {
				case frame := <-b.out:
					if !b.writeOut(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) writeOut(frame []byte) bool {
	if err := b.transport.WriteMedia(frame); err != nil {
		b.log.WithError(err).Info("telephony write failed")
		return false
	}
	b.metrics.UpstreamFrames.Add(1)
	b.metrics.BytesOut.Add(int64(len(frame)))
	return true
}

// drain records the first closing signal and enters Draining: the closing
// side's input stops and queued outbound frames are flushed before Close.
// The flush window is bounded so a stuck peer cannot hold the call half-open.
func (b *Bridge) drain(reason string) {
	b.drainOnce.Do(func() {
		b.setEndReason(reason)

		b.mu.Lock()
		if b.state != StateClosed {
			b.state = StateDraining
			b.log.WithField("reason", reason).Info("draining")
		}
		b.mu.Unlock()

		close(b.draining)

		go func() {
			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			select {
			case <-b.done:
			case <-timer.C:
				b.Close()
			}
		}()
	})
}

func (b *Bridge) setEndReason(reason string) {
	b.mu.Lock()
	if b.endReason == "" {
		b.endReason = reason
	}
	b.mu.Unlock()
}

// Close releases both channel handles and deregisters the bridge. Terminal
// and idempotent: telephony-side and upstream-side termination signals can
// race, and every trigger lands here exactly once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosed
		session := b.session
		reason := b.endReason
		if reason == "" {
			reason = "closed"
		}
		b.mu.Unlock()

		if session != nil {
			session.Close()
		}
		b.transport.Close()

		if b.registry != nil {
			b.registry.remove(b.CallID, b)
		}

		m := b.metrics.Snapshot()
		b.store.CallEnded(context.Background(), b.CallID, reason,
			m.TelephonyFrames, m.UpstreamFrames, m.UpstreamDropped)

		close(b.done)
		b.log.WithField("reason", reason).Info("bridge closed")
	})
}
