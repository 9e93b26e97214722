package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
)

func streamRequest(method, target, conversationID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("conversation_id", conversationID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestEgressStream_FreshConnectionDoesNotReplayHistory(t *testing.T) {
	b := bus.New(nil)
	evt := envelope.NewOutputEvent("conv-1", "hello")
	payload, err := envelope.MarshalEvent(evt)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), envelope.StreamTopic("conv-1"), evt.ID, payload)
	require.NoError(t, err)

	h := NewEgressHandler(b, testGatewayLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	req := streamRequest(http.MethodGet, "/stream/conv-1", "conv-1")
	rctx := chi.RouteContext(req.Context())
	req = req.WithContext(context.WithValue(ctx, chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Stream(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after context cancellation")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hello")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestEgressStream_ExplicitSinceReplaysFromThatCursor(t *testing.T) {
	b := bus.New(nil)
	evt := envelope.NewOutputEvent("conv-1", "hello")
	payload, err := envelope.MarshalEvent(evt)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), envelope.StreamTopic("conv-1"), evt.ID, payload)
	require.NoError(t, err)

	h := NewEgressHandler(b, testGatewayLogger(t))
	req := streamRequest(http.MethodGet, "/stream/conv-1?since=0&max_events=1", "conv-1")
	rec := httptest.NewRecorder()

	h.Stream(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestEgressStream_RejectsInvalidConversationID(t *testing.T) {
	b := bus.New(nil)
	h := NewEgressHandler(b, testGatewayLogger(t))

	req := streamRequest(http.MethodGet, "/stream/", "")
	rec := httptest.NewRecorder()
	h.Stream(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEgressStream_RejectsExplicitZeroMaxEvents(t *testing.T) {
	b := bus.New(nil)
	h := NewEgressHandler(b, testGatewayLogger(t))

	req := streamRequest(http.MethodGet, "/stream/conv-1?max_events=0", "conv-1")
	rec := httptest.NewRecorder()
	h.Stream(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEgressStream_StopsWhenContextCancelled(t *testing.T) {
	b := bus.New(nil)
	h := NewEgressHandler(b, testGatewayLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	req := streamRequest(http.MethodGet, "/stream/conv-empty", "conv-empty")
	rctx := chi.RouteContext(req.Context())
	req = req.WithContext(context.WithValue(ctx, chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Stream(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after context cancellation")
	}
}

func TestResolveResumeCursor_PrefersSinceOverLastEventID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream/conv-1?since=5", nil)
	req.Header.Set("Last-Event-ID", "3")
	assert.Equal(t, "5", resolveResumeCursor(req))
}

func TestResolveResumeCursor_FallsBackToLastEventID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream/conv-1", nil)
	req.Header.Set("Last-Event-ID", "3")
	assert.Equal(t, "3", resolveResumeCursor(req))
}

func TestResolveResumeCursor_EmptyWhenNeitherSet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream/conv-1", nil)
	assert.Equal(t, "", resolveResumeCursor(req))
}

func TestParseMaxEvents_EmptyMeansUnbounded(t *testing.T) {
	n, err := parseMaxEvents("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestParseMaxEvents_RejectsZeroAndNegative(t *testing.T) {
	_, err := parseMaxEvents("0")
	assert.Error(t, err)
	_, err = parseMaxEvents("-1")
	assert.Error(t, err)
}

func TestParseMaxEvents_AcceptsPositive(t *testing.T) {
	n, err := parseMaxEvents("5")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
