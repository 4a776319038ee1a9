package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dialgate/voicebridge/pkg/logging"
)

// ============================================
// UPSTREAM SPEECH-AI SESSION
// One persistent duplex connection to a realtime voice provider
// ============================================
// The provider is selected exactly once, at Open. Everything after the
// handshake goes through the provider-neutral Session interface; the audio
// relay path never inspects which provider is behind it.

// Provider selects which realtime backend a session talks to.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

const (
	defaultOpenAIEndpoint = "wss://api.openai.com/v1/realtime"
	defaultGeminiEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	defaultOpenAIModel = "gpt-realtime"
	defaultOpenAIVoice = "alloy"
	defaultGeminiModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultGeminiVoice = "Aoede"

	// Input rates the providers expect; both return 24kHz PCM16.
	openAIInputRate  = 16000
	geminiInputRate  = 24000
	providerOutRate  = 24000
	handshakeTimeout = 10 * time.Second

	// Inbound events queued before the oldest is dropped.
	eventQueueSize = 64
)

var (
	// ErrUnsupportedProvider is a configuration error: no session is ever dialed.
	ErrUnsupportedProvider = errors.New("unsupported ai provider")
	// ErrMissingCredentials is a configuration error: the provider requires an API key.
	ErrMissingCredentials = errors.New("missing api key")
	// ErrSessionClosed is returned by sends after Close.
	ErrSessionClosed = errors.New("ai session closed")
)

// OpenError marks a handshake or network failure while opening a session,
// distinct from configuration errors and from mid-stream failures. The call
// bridge uses it to cleanly end the telephony side without ever streaming.
type OpenError struct {
	Provider Provider
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s session: %v", e.Provider, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Config carries everything needed to open one provider session.
type Config struct {
	Provider     Provider
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	// Greeting, when set, is sent as a priming user turn right after the
	// handshake so the model speaks first.
	Greeting string
	// Endpoint overrides the provider's default WebSocket URL.
	Endpoint string

	// Sample rates of the PCM16 exchanged with the provider. Zero values
	// take the provider defaults.
	InputSampleRate  int
	OutputSampleRate int
}

func (c *Config) applyDefaults() {
	switch c.Provider {
	case ProviderOpenAI:
		if c.Model == "" {
			c.Model = defaultOpenAIModel
		}
		if c.Voice == "" {
			c.Voice = defaultOpenAIVoice
		}
		if c.Endpoint == "" {
			c.Endpoint = defaultOpenAIEndpoint
		}
		if c.InputSampleRate == 0 {
			c.InputSampleRate = openAIInputRate
		}
	case ProviderGemini:
		if c.Model == "" {
			c.Model = defaultGeminiModel
		}
		if c.Voice == "" {
			c.Voice = defaultGeminiVoice
		}
		if c.Endpoint == "" {
			c.Endpoint = defaultGeminiEndpoint
		}
		if c.InputSampleRate == 0 {
			c.InputSampleRate = geminiInputRate
		}
	}
	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = providerOutRate
	}
	if c.Instructions == "" {
		c.Instructions = "You are a helpful assistant."
	}
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingCredentials, c.Provider)
	}
	return nil
}

// EventType classifies inbound session events.
type EventType int

const (
	// EventAudio carries synthesized speech as PCM16 at OutputSampleRate.
	EventAudio EventType = iota
	// EventText carries incremental model text.
	EventText
	// EventError is a terminal provider or transport failure.
	EventError
	// EventClosed reports an orderly end of the session.
	EventClosed
)

// Event is one inbound message translated to the common vocabulary.
type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Err   error
}

// Session is one open provider connection. SendAudio and SendText may be
// called from any goroutine. Events is closed after a terminal EventError or
// EventClosed has been delivered.
type Session interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	Events() <-chan Event
	InputSampleRate() int
	OutputSampleRate() int
	Close() error
}

// wireCodec translates the common event vocabulary to one provider's frames.
// Implementations are stateless with respect to the connection.
type wireCodec interface {
	dialURL() string
	dialHeader() http.Header
	handshakeFrame() ([]byte, error)
	// handshakeAck reports whether an inbound frame acknowledges the handshake.
	handshakeAck(msg []byte) bool
	audioFrame(pcm []byte) ([]byte, error)
	// textFrames may produce multiple outbound messages for one user turn.
	textFrames(text string) ([][]byte, error)
	decode(msg []byte) ([]Event, error)
}

// Open validates the configuration, dials the selected provider, performs the
// configuration handshake and blocks until the provider acknowledges it. No
// audio can be sent before Open returns, which enforces the handshake-first
// sequencing. Dial or handshake failures surface as *OpenError.
func Open(ctx context.Context, cfg Config) (Session, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var codec wireCodec
	switch cfg.Provider {
	case ProviderOpenAI:
		codec = &openAIWire{cfg: cfg}
	case ProviderGemini:
		codec = &geminiWire{cfg: cfg}
	}

	return openSession(ctx, cfg, codec)
}

type session struct {
	cfg   Config
	codec wireCodec
	conn  *websocket.Conn
	log   *logrus.Entry

	events chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func openSession(ctx context.Context, cfg Config, codec wireCodec) (Session, error) {
	log := logging.Component("ai").WithField("provider", cfg.Provider)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, codec.dialURL(), codec.dialHeader())
	if err != nil {
		return nil, &OpenError{Provider: cfg.Provider, Err: fmt.Errorf("dial: %w", err)}
	}

	s := &session{
		cfg:    cfg,
		codec:  codec,
		conn:   conn,
		log:    log,
		events: make(chan Event, eventQueueSize),
		closed: make(chan struct{}),
	}

	if err := s.performHandshake(ctx); err != nil {
		conn.Close()
		return nil, &OpenError{Provider: cfg.Provider, Err: err}
	}

	log.WithField("model", cfg.Model).Info("session open")
	go s.readLoop()

	if cfg.Greeting != "" {
		if err := s.SendText(cfg.Greeting); err != nil {
			s.Close()
			return nil, &OpenError{Provider: cfg.Provider, Err: fmt.Errorf("send greeting: %w", err)}
		}
	}

	return s, nil
}

// performHandshake sends the single configuration frame and reads until the
// provider acknowledges it. Any provider error seen before the ack fails the
// open.
func (s *session) performHandshake(ctx context.Context) error {
	frame, err := s.codec.handshakeFrame()
	if err != nil {
		return fmt.Errorf("build handshake: %w", err)
	}
	if err := s.write(frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting handshake ack: %w", err)
		}
		if s.codec.handshakeAck(msg) {
			return nil
		}

		events, err := s.codec.decode(msg)
		if err != nil {
			s.log.WithError(err).Warn("undecodable frame before handshake ack")
			continue
		}
		for _, ev := range events {
			if ev.Type == EventError {
				return fmt.Errorf("handshake rejected: %w", ev.Err)
			}
			// Anything else arriving early is queued for the consumer.
			s.pushEvent(ev)
		}
	}
}

// SendAudio appends one PCM16 chunk (at InputSampleRate) to the provider's
// input stream.
func (s *session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	frame, err := s.codec.audioFrame(pcm)
	if err != nil {
		return err
	}
	return s.write(frame)
}

// SendText submits a user text turn, typically to prime the conversation.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	frames, err := s.codec.textFrames(text)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := s.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Events() <-chan Event  { return s.events }
func (s *session) InputSampleRate() int  { return s.cfg.InputSampleRate }
func (s *session) OutputSampleRate() int { return s.cfg.OutputSampleRate }

func (s *session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// readLoop translates provider frames into common events until the connection
// ends. Exactly one terminal event (EventClosed or EventError) is delivered
// before the channel closes.
func (s *session) readLoop() {
	defer close(s.events)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.pushEvent(Event{Type: EventClosed})
			} else {
				s.pushEvent(Event{Type: EventError, Err: err})
			}
			return
		}

		events, err := s.codec.decode(msg)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable provider frame")
			continue
		}
		for _, ev := range events {
			if ev.Type == EventError {
				s.pushEvent(ev)
				return
			}
			s.pushEvent(ev)
		}
	}
}

// pushEvent queues an event without ever blocking the read loop. When the
// consumer lags, the oldest queued event is dropped first: stale audio is
// worse than dropped audio.
func (s *session) pushEvent(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case dropped := <-s.events:
		if dropped.Type == EventAudio {
			s.log.Warn("event queue full, dropped stale audio")
		}
	default:
	}

	select {
	case s.events <- ev:
	default:
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close ends the session. Safe to call multiple times and concurrently with
// sends; the read loop delivers EventClosed and closes the event channel.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.conn.Close()
		s.log.Info("session closed")
	})
	return nil
}
