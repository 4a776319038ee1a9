package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ============================================
// VARIANT A: OPENAI REALTIME WIRE PROTOCOL
// ============================================
// One session.update handshake, then input_audio_buffer.append for outbound
// audio; inbound audio and text arrive as response.audio.delta and
// response.text.delta.

type openAIWire struct {
	cfg Config
}

type oaEnvelope struct {
	Type  string   `json:"type"`
	Delta string   `json:"delta,omitempty"`
	Error *oaError `json:"error,omitempty"`
}

type oaError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type oaSessionUpdate struct {
	Type    string    `json:"type"`
	Session oaSession `json:"session"`
}

type oaSession struct {
	Type              string          `json:"type"`
	Model             string          `json:"model"`
	Instructions      string          `json:"instructions"`
	Audio             oaAudio         `json:"audio"`
	InputAudioFormat  string          `json:"input_audio_format"`
	OutputAudioFormat string          `json:"output_audio_format"`
	TurnDetection     oaTurnDetection `json:"turn_detection"`
}

type oaAudio struct {
	Output oaAudioOutput `json:"output"`
}

type oaAudioOutput struct {
	Voice string `json:"voice"`
}

type oaTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type oaAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type oaItemCreate struct {
	Type string `json:"type"`
	Item oaItem `json:"item"`
}

type oaItem struct {
	Type    string      `json:"type"`
	Role    string      `json:"role"`
	Content []oaContent `json:"content"`
}

type oaContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (w *openAIWire) dialURL() string {
	return fmt.Sprintf("%s?model=%s", w.cfg.Endpoint, url.QueryEscape(w.cfg.Model))
}

func (w *openAIWire) dialHeader() http.Header {
	return http.Header{
		"Authorization": {"Bearer " + w.cfg.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}
}

func (w *openAIWire) handshakeFrame() ([]byte, error) {
	return json.Marshal(oaSessionUpdate{
		Type: "session.update",
		Session: oaSession{
			Type:              "realtime",
			Model:             w.cfg.Model,
			Instructions:      w.cfg.Instructions,
			Audio:             oaAudio{Output: oaAudioOutput{Voice: w.cfg.Voice}},
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: oaTurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
		},
	})
}

func (w *openAIWire) handshakeAck(msg []byte) bool {
	var env oaEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	return env.Type == "session.updated" || env.Type == "session.created"
}

func (w *openAIWire) audioFrame(pcm []byte) ([]byte, error) {
	return json.Marshal(oaAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (w *openAIWire) textFrames(text string) ([][]byte, error) {
	item, err := json.Marshal(oaItemCreate{
		Type: "conversation.item.create",
		Item: oaItem{
			Type:    "message",
			Role:    "user",
			Content: []oaContent{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return nil, err
	}
	respond, err := json.Marshal(oaEnvelope{Type: "response.create"})
	if err != nil {
		return nil, err
	}
	return [][]byte{item, respond}, nil
}

func (w *openAIWire) decode(msg []byte) ([]Event, error) {
	var env oaEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("parse openai frame: %w", err)
	}

	switch env.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode audio delta: %w", err)
		}
		if len(audio) == 0 {
			return nil, nil
		}
		return []Event{{Type: EventAudio, Audio: audio}}, nil

	case "response.text.delta":
		if env.Delta == "" {
			return nil, nil
		}
		return []Event{{Type: EventText, Text: env.Delta}}, nil

	case "error":
		msg := "unknown provider error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return []Event{{Type: EventError, Err: fmt.Errorf("openai: %s", msg)}}, nil
	}

	// Lifecycle chatter (rate limits, VAD markers, response bookkeeping) is
	// not part of the common vocabulary.
	return nil, nil
}
