package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/pkg/logger"
	"github.com/magent2/runtime/pkg/metrics"
)

// IngressHandler implements POST /send, decoding the request body into the
// full Envelope schema rather than a loosely-typed dict.
type IngressHandler struct {
	bus bus.Bus
	log *logger.Logger
}

func NewIngressHandler(b bus.Bus, log *logger.Logger) *IngressHandler {
	return &IngressHandler{bus: b, log: log}
}

type sendResponse struct {
	OK          bool     `json:"ok"`
	ID          string   `json:"id"`
	PublishedTo []string `json:"published_to"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *IngressHandler) Send(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&env); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	env = envelope.New(env)

	if err := env.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	payload, err := envelope.EncodeEnvelope(env)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "failed to encode envelope")
		return
	}

	topics := envelope.ComputePublishTopics(env.Recipient, env.ConversationID)
	published := make([]string, 0, len(topics))

	for _, topic := range topics {
		if _, err := h.bus.Publish(r.Context(), topic, env.ID, payload); err != nil {
			metrics.BusPublishTotal.WithLabelValues("chat", "failed").Inc()
			if errors.Is(err, bus.ErrBusUnavailable) {
				h.log.Error("ingress publish failed: bus unavailable", zap.Error(err), zap.String("topic", topic))
				writeJSONError(w, http.StatusServiceUnavailable, "bus unavailable")
				return
			}
			h.log.Error("ingress publish failed", zap.Error(err), zap.String("topic", topic))
			writeJSONError(w, http.StatusServiceUnavailable, "publish failed")
			return
		}
		metrics.BusPublishTotal.WithLabelValues("chat", "ok").Inc()
		published = append(published, topic)
	}

	h.emitUserMessageEvent(r, env)

	writeJSON(w, http.StatusOK, sendResponse{OK: true, ID: env.ID, PublishedTo: published})
}

// emitUserMessageEvent mirrors app.py's best-effort "user_message" stream
// fan-out: failures here never fail the request since the inbound publish
// already succeeded.
func (h *IngressHandler) emitUserMessageEvent(r *http.Request, env envelope.Envelope) {
	evt := envelope.NewLogEvent(env.ConversationID, "info", "gateway", "user_message")
	payload, err := envelope.MarshalEvent(evt)
	if err != nil {
		return
	}
	_, _ = h.bus.Publish(r.Context(), envelope.StreamTopic(env.ConversationID), evt.ID, payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
