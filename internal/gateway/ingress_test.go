package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/pkg/logger"
)

func testGatewayLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("error")
	require.NoError(t, err)
	return l
}

func TestIngressSend_PublishesToComputedTopicsAndReturns200(t *testing.T) {
	b := bus.New(nil)
	h := NewIngressHandler(b, testGatewayLogger(t))

	body, err := json.Marshal(envelope.Envelope{
		ConversationID: "conv-1",
		Sender:         "user:alice",
		Recipient:      "agent:DevAgent",
		Type:           envelope.TypeMessage,
		Content:        "hello",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.ElementsMatch(t, []string{"chat:conv-1", "chat:DevAgent"}, resp.PublishedTo)

	msgs, err := b.Read(context.Background(), "chat:DevAgent", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestIngressSend_RejectsMalformedJSON(t *testing.T) {
	b := bus.New(nil)
	h := NewIngressHandler(b, testGatewayLogger(t))

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.Send(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngressSend_RejectsInvalidEnvelope(t *testing.T) {
	b := bus.New(nil)
	h := NewIngressHandler(b, testGatewayLogger(t))

	body, err := json.Marshal(envelope.Envelope{Sender: "user:alice", Recipient: "agent:DevAgent", Type: envelope.TypeMessage, Content: "hi"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngressSend_EmitsUserMessageVisibilityEvent(t *testing.T) {
	b := bus.New(nil)
	h := NewIngressHandler(b, testGatewayLogger(t))

	body, err := json.Marshal(envelope.Envelope{
		ConversationID: "conv-1",
		Sender:         "user:alice",
		Recipient:      "agent:DevAgent",
		Type:           envelope.TypeMessage,
		Content:        "hello",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs, err := b.Read(context.Background(), envelope.StreamTopic("conv-1"), "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
