package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/middleware"
	"github.com/magent2/runtime/pkg/logger"
	"github.com/magent2/runtime/pkg/metrics"
)

// heartbeatInterval is how long the egress handler waits for new entries
// before writing a keepalive comment line.
const heartbeatInterval = 15 * time.Second

// idleSleep bounds how long the generator sleeps between empty reads.
const idleSleep = 100 * time.Millisecond

// readBlockMs is how long each bus.Read call is allowed to block for new
// entries before returning empty, keeping the generator responsive to
// heartbeat and client-disconnect checks.
const readBlockMs = 1000

// EgressHandler implements GET /stream/{conversation_id} as a Server-Sent
// Events generator honoring Last-Event-ID/since resume, max_events, and
// periodic heartbeats.
type EgressHandler struct {
	bus bus.Bus
	log *logger.Logger
}

func NewEgressHandler(b bus.Bus, log *logger.Logger) *EgressHandler {
	return &EgressHandler{bus: b, log: log}
}

func (h *EgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	maxEvents, err := parseMaxEvents(r.URL.Query().Get("max_events"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	topic := envelope.StreamTopic(conversationID)
	ctx := r.Context()

	lastCursor := resolveResumeCursor(r)
	if lastCursor == "" {
		tip, err := h.tipCursor(ctx, topic)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
			return
		}
		lastCursor = tip
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sent := 0
	lastActivity := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := h.bus.Read(ctx, topic, lastCursor, 100, readBlockMs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.log.Error("egress read failed", zap.Error(err), zap.String("conversation_id", conversationID))
			return
		}

		if len(msgs) == 0 {
			if time.Since(lastActivity) >= heartbeatInterval {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				lastActivity = time.Now()
			} else {
				time.Sleep(idleSleep)
			}
			continue
		}

		for _, m := range msgs {
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", m.Cursor, m.Payload); err != nil {
				return
			}
			lastCursor = m.Cursor
			sent++
			if maxEvents > 0 && sent >= maxEvents {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
		lastActivity = time.Now()
	}
}

// tipCursor returns the cursor of the most recently published entry on
// topic, or "" if topic is empty, so a fresh connection with no explicit
// resume point starts exactly at the live tail instead of replaying the
// bounded recent window bus.Read would otherwise return for an empty
// cursor.
func (h *EgressHandler) tipCursor(ctx context.Context, topic string) (string, error) {
	msgs, err := h.bus.Read(ctx, topic, "", 1, 0)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[len(msgs)-1].Cursor, nil
}

// resolveResumeCursor resolves the resume rule: ?since explicitly overrides
// Last-Event-ID; otherwise Last-Event-ID seeks past that cursor; otherwise
// an empty string signals to Stream that it should seek to the live tail
// with no history replay.
func resolveResumeCursor(r *http.Request) string {
	if since := r.URL.Query().Get("since"); since != "" {
		return since
	}
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		return lastEventID
	}
	return ""
}

// parseMaxEvents treats an absent max_events as unbounded. An explicit
// max_events=0 is rejected rather than silently treated as unbounded or as
// "close immediately" — both readings are plausible and neither is safe to
// guess.
func parseMaxEvents(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("max_events must be a positive integer")
	}
	if n == 0 {
		return 0, fmt.Errorf("max_events must be greater than zero")
	}
	return n, nil
}
