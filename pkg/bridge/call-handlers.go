package bridge

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dialgate/voicebridge/pkg/ai"
	"github.com/dialgate/voicebridge/pkg/calllog"
	"github.com/dialgate/voicebridge/pkg/logging"
)

// ============================================
// CALL HANDLERS
// HTTP endpoints for the telephony gateway and the collaborator layer
// ============================================

// ProviderConfigs maps a provider to its base session configuration. The
// per-call config is a copy of the selected entry.
type ProviderConfigs map[ai.Provider]ai.Config

// CallHandlers serves the gateway webhook, the media WebSocket and the
// collaborator-facing status endpoints.
type CallHandlers struct {
	registry        *Registry
	store           *calllog.Store
	providers       ProviderConfigs
	defaultProvider ai.Provider
	publicHost      string
	log             *logrus.Entry
}

// NewCallHandlers wires the handler set. publicHost is the externally
// reachable host the gateway should open the media WebSocket against.
func NewCallHandlers(registry *Registry, store *calllog.Store, providers ProviderConfigs, defaultProvider ai.Provider, publicHost string) *CallHandlers {
	return &CallHandlers{
		registry:        registry,
		store:           store,
		providers:       providers,
		defaultProvider: defaultProvider,
		publicHost:      publicHost,
		log:             logging.Component("handlers"),
	}
}

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway connects from its own infrastructure.
		return true
	},
}

// ============================================
// GATEWAY WEBHOOK
// ============================================

type connectResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Connect connectElement `xml:"Connect"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL string `xml:"url,attr"`
}

// HandleIncomingCall answers the gateway's call webhook with instructions to
// open the media WebSocket for this call.
func (h *CallHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := r.FormValue("CallSid")
	if callID == "" {
		callID = r.FormValue("call_id")
	}
	if callID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	provider := h.resolveProvider(r.URL.Query().Get("provider"))
	if _, ok := h.providers[provider]; !ok {
		h.log.WithField("provider", provider).Warn("incoming call for unconfigured provider")
		http.Error(w, "Unsupported provider", http.StatusBadRequest)
		return
	}

	host := h.publicHost
	if host == "" {
		host = r.Host
	}
	wsURL := fmt.Sprintf("wss://%s/calls/stream/%s?provider=%s", host, callID, provider)

	h.log.WithFields(logrus.Fields{
		"call_id":  callID,
		"from":     r.FormValue("From"),
		"to":       r.FormValue("To"),
		"provider": provider,
	}).Info("incoming call")

	output, err := xml.Marshal(connectResponse{
		Connect: connectElement{Stream: streamElement{URL: wsURL}},
	})
	if err != nil {
		http.Error(w, "Failed to generate response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(output)
}

// ============================================
// MEDIA WEBSOCKET
// ============================================

// HandleMediaStream accepts the gateway's media WebSocket for one call,
// builds the bridge, registers it and runs it for the life of the connection.
func (h *CallHandlers) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := path.Base(r.URL.Path)
	if callID == "" || callID == "stream" {
		http.Error(w, "Missing call id", http.StatusBadRequest)
		return
	}

	provider := h.resolveProvider(r.URL.Query().Get("provider"))
	cfg, ok := h.providers[provider]
	if !ok {
		http.Error(w, "Unsupported provider", http.StatusBadRequest)
		return
	}

	conn, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("media stream upgrade failed")
		return
	}

	transport := NewMediaStream(conn, uuid.New().String())
	b := New(callID, cfg, transport, h.registry, h.store)

	if err := h.registry.Register(callID, b); err != nil {
		h.log.WithError(err).WithField("call_id", callID).Warn("rejecting duplicate media stream")
		transport.Close()
		return
	}

	if err := b.Run(r.Context()); err != nil {
		h.log.WithError(err).WithField("call_id", callID).Info("bridge ended with error")
	}
}

// ============================================
// STATUS & METRICS
// ============================================

type statusResponse struct {
	CallID string `json:"call_id"`
	State  State  `json:"state"`
}

// HandleCallStatus reports the lifecycle state for a call id. Live bridges
// answer from the registry; finished calls fall back to the record store.
func (h *CallHandlers) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "Missing call_id", http.StatusBadRequest)
		return
	}

	state := h.registry.Status(callID)
	if state == StateNotFound {
		if rec, err := h.store.GetRecord(r.Context(), callID); err == nil && rec != nil {
			state = State(rec.State)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if state == StateNotFound {
		w.WriteHeader(http.StatusNotFound)
	}
	json.NewEncoder(w).Encode(statusResponse{CallID: callID, State: state})
}

// HandleCallMetrics reports relay counters for a live call.
func (h *CallHandlers) HandleCallMetrics(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "Missing call_id", http.StatusBadRequest)
		return
	}

	b, ok := h.registry.Lookup(callID)
	if !ok {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b.Metrics())
}

func (h *CallHandlers) resolveProvider(param string) ai.Provider {
	if param == "" {
		return h.defaultProvider
	}
	return ai.Provider(param)
}

// RegisterRoutes attaches all call endpoints to the mux.
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/calls/incoming", h.HandleIncomingCall)
	mux.HandleFunc("/calls/stream/", h.HandleMediaStream)
	mux.HandleFunc("/calls/status", h.HandleCallStatus)
	mux.HandleFunc("/calls/metrics", h.HandleCallMetrics)

	h.log.Info("registered call routes")
}
