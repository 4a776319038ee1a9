package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================
// TELEPHONY MEDIA STREAM
// JSON-framed duplex audio over one WebSocket
// ============================================

// Media stream event names.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
)

// MediaEvent is one JSON frame on the telephony media stream.
type MediaEvent struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

// MediaPayload carries one chunk of base64 µ-law audio.
type MediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// MediaTransport is the telephony leg of one call: a duplex stream of media
// events. Implementations must allow WriteMedia and Close concurrently with a
// blocked ReadEvent.
type MediaTransport interface {
	// ReadEvent blocks for the next inbound event.
	ReadEvent() (*MediaEvent, error)
	// WriteMedia sends one chunk of µ-law audio to the phone.
	WriteMedia(mulaw []byte) error
	// Close ends the stream. Idempotent.
	Close() error
}

const mediaReadTimeout = 60 * time.Second

// wsMediaStream implements MediaTransport over a gateway WebSocket.
type wsMediaStream struct {
	conn      *websocket.Conn
	streamSID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewMediaStream wraps an upgraded gateway connection. streamSID is echoed on
// outbound media frames so the gateway can correlate them.
func NewMediaStream(conn *websocket.Conn, streamSID string) MediaTransport {
	s := &wsMediaStream{conn: conn, streamSID: streamSID}

	conn.SetReadDeadline(time.Now().Add(mediaReadTimeout))
	conn.SetPingHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(mediaReadTimeout))
	})
	return s
}

func (s *wsMediaStream) ReadEvent() (*MediaEvent, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(mediaReadTimeout))

	var ev MediaEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, fmt.Errorf("parse media event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("media event missing event type")
	}
	return &ev, nil
}

func (s *wsMediaStream) WriteMedia(mulaw []byte) error {
	msg, err := json.Marshal(MediaEvent{
		Event:     EventMedia,
		StreamSID: s.streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
	if err != nil {
		return fmt.Errorf("marshal media event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsMediaStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.conn.Close()
	})
	return nil
}
