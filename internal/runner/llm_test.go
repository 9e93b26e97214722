package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/llm"
)

type fakeLLMClient struct {
	tokens  []string
	resp    *llm.CompletionResponse
	err     error
	gotReqs []*llm.CompletionRequest
}

func (f *fakeLLMClient) Name() string        { return "fake" }
func (f *fakeLLMClient) Models() []string    { return []string{"fake-model"} }
func (f *fakeLLMClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return f.resp, f.err
}

func (f *fakeLLMClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.gotReqs = append(f.gotReqs, req)
	if f.err != nil {
		return nil, f.err
	}
	for i, tok := range f.tokens {
		if err := cb(tok, i); err != nil {
			return nil, err
		}
	}
	return f.resp, nil
}

func TestLLMRunner_StreamsTokensThenOutputWithUsage(t *testing.T) {
	client := &fakeLLMClient{
		tokens: []string{"hel", "lo"},
		resp: &llm.CompletionResponse{
			Content:    "hello",
			Model:      "fake-model",
			TokensIn:   3,
			TokensOut:  2,
			StopReason: "end_turn",
			LatencyMs:  10,
		},
	}
	r := NewLLMRunner(client, "", "be nice")
	env := envelope.New(envelope.Envelope{ConversationID: "conv-1", Content: "say hi"})

	ch, err := r.Run(context.Background(), env)
	require.NoError(t, err)

	var events []envelope.Event
	for evt := range ch {
		events = append(events, evt)
	}

	require.Len(t, events, 3)
	tok0, ok := events[0].(envelope.TokenEvent)
	require.True(t, ok)
	assert.Equal(t, "hel", tok0.Text)

	out, ok := events[2].(envelope.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "hello", out.Text)
	assert.EqualValues(t, 3, out.Usage["tokens_in"])
	assert.EqualValues(t, 2, out.Usage["tokens_out"])

	require.Len(t, client.gotReqs, 1)
	assert.Equal(t, "system", client.gotReqs[0].Messages[0].Role)
	assert.Equal(t, "be nice", client.gotReqs[0].Messages[0].Content)
}

func TestLLMRunner_EmitsOutputEventOnClientError(t *testing.T) {
	client := &fakeLLMClient{err: errors.New("provider unavailable")}
	r := NewLLMRunner(client, "", "")
	env := envelope.New(envelope.Envelope{ConversationID: "conv-1", Content: "hi"})

	ch, err := r.Run(context.Background(), env)
	require.NoError(t, err)

	var events []envelope.Event
	for evt := range ch {
		events = append(events, evt)
	}

	require.Len(t, events, 1)
	out, ok := events[0].(envelope.OutputEvent)
	require.True(t, ok)
	assert.Contains(t, out.Text, "provider unavailable")
}

func TestLLMRunner_OmitsSystemMessageWhenEmpty(t *testing.T) {
	client := &fakeLLMClient{resp: &llm.CompletionResponse{Content: "ok"}}
	r := NewLLMRunner(client, "custom-model", "")
	env := envelope.New(envelope.Envelope{ConversationID: "conv-1", Content: "hi"})

	ch, err := r.Run(context.Background(), env)
	require.NoError(t, err)
	for range ch {
	}

	require.Len(t, client.gotReqs, 1)
	assert.Len(t, client.gotReqs[0].Messages, 1)
	assert.Equal(t, "user", client.gotReqs[0].Messages[0].Role)
	assert.Equal(t, "custom-model", client.gotReqs[0].Model)
}
