package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ============================================
// VARIANT B: GEMINI LIVE WIRE PROTOCOL
// ============================================
// One setup handshake answered by setupComplete, then
// realtimeInput.mediaChunks for outbound audio; inbound audio arrives as
// serverContent.modelTurn.parts[].inlineData chunks.

type geminiWire struct {
	cfg Config
}

type gmSetup struct {
	Setup gmSetupBody `json:"setup"`
}

type gmSetupBody struct {
	Model             string             `json:"model"`
	GenerationConfig  gmGenerationConfig `json:"generation_config"`
	SystemInstruction gmContent          `json:"system_instruction"`
}

type gmGenerationConfig struct {
	ResponseModalities []string       `json:"response_modalities"`
	SpeechConfig       gmSpeechConfig `json:"speech_config"`
}

type gmSpeechConfig struct {
	VoiceConfig gmVoiceConfig `json:"voice_config"`
}

type gmVoiceConfig struct {
	PrebuiltVoiceConfig gmPrebuiltVoice `json:"prebuilt_voice_config"`
}

type gmPrebuiltVoice struct {
	VoiceName string `json:"voice_name"`
}

type gmRealtimeInput struct {
	RealtimeInput gmMediaChunks `json:"realtimeInput"`
}

type gmMediaChunks struct {
	MediaChunks []gmBlob `json:"mediaChunks"`
}

type gmClientContent struct {
	ClientContent gmTurns `json:"clientContent"`
}

type gmTurns struct {
	Turns        []gmTurn `json:"turns"`
	TurnComplete bool     `json:"turnComplete"`
}

type gmTurn struct {
	Role  string   `json:"role"`
	Parts []gmPart `json:"parts"`
}

type gmContent struct {
	Parts []gmPart `json:"parts"`
}

type gmPart struct {
	Text       string  `json:"text,omitempty"`
	InlineData *gmBlob `json:"inlineData,omitempty"`
}

type gmBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gmServerMessage struct {
	SetupComplete *struct{}        `json:"setupComplete"`
	ServerContent *gmServerContent `json:"serverContent"`
	Error         *gmError         `json:"error"`
}

type gmServerContent struct {
	ModelTurn    *gmContent `json:"modelTurn"`
	TurnComplete bool       `json:"turnComplete"`
}

type gmError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (w *geminiWire) dialURL() string {
	return fmt.Sprintf("%s?key=%s", w.cfg.Endpoint, w.cfg.APIKey)
}

func (w *geminiWire) dialHeader() http.Header { return nil }

func (w *geminiWire) handshakeFrame() ([]byte, error) {
	return json.Marshal(gmSetup{
		Setup: gmSetupBody{
			Model: "models/" + w.cfg.Model,
			GenerationConfig: gmGenerationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: gmSpeechConfig{
					VoiceConfig: gmVoiceConfig{
						PrebuiltVoiceConfig: gmPrebuiltVoice{VoiceName: w.cfg.Voice},
					},
				},
			},
			SystemInstruction: gmContent{
				Parts: []gmPart{{Text: w.cfg.Instructions}},
			},
		},
	})
}

func (w *geminiWire) handshakeAck(msg []byte) bool {
	var server gmServerMessage
	if err := json.Unmarshal(msg, &server); err != nil {
		return false
	}
	return server.SetupComplete != nil
}

func (w *geminiWire) audioFrame(pcm []byte) ([]byte, error) {
	return json.Marshal(gmRealtimeInput{
		RealtimeInput: gmMediaChunks{
			MediaChunks: []gmBlob{{
				MimeType: "audio/pcm",
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

func (w *geminiWire) textFrames(text string) ([][]byte, error) {
	frame, err := json.Marshal(gmClientContent{
		ClientContent: gmTurns{
			Turns:        []gmTurn{{Role: "user", Parts: []gmPart{{Text: text}}}},
			TurnComplete: true,
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (w *geminiWire) decode(msg []byte) ([]Event, error) {
	var server gmServerMessage
	if err := json.Unmarshal(msg, &server); err != nil {
		return nil, fmt.Errorf("parse gemini frame: %w", err)
	}

	if server.Error != nil {
		return []Event{{Type: EventError, Err: fmt.Errorf("gemini: %s", server.Error.Message)}}, nil
	}

	if server.ServerContent == nil || server.ServerContent.ModelTurn == nil {
		return nil, nil
	}

	var events []Event
	for _, part := range server.ServerContent.ModelTurn.Parts {
		switch {
		case part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "audio/pcm"):
			audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline audio: %w", err)
			}
			if len(audio) > 0 {
				events = append(events, Event{Type: EventAudio, Audio: audio})
			}
		case part.Text != "":
			events = append(events, Event{Type: EventText, Text: part.Text})
		}
	}
	return events, nil
}
