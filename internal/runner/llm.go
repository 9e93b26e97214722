package runner

import (
	"context"
	"fmt"

	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/llm"
)

// LLMRunner adapts an llm.Client into the Runner interface: one completion
// call per envelope, streamed token-by-token via CompleteStream, terminated
// by an OutputEvent carrying the full reply and usage.
type LLMRunner struct {
	client       llm.Client
	model        string
	systemPrompt string
}

// NewLLMRunner wraps client. model may be empty to use the client's default.
func NewLLMRunner(client llm.Client, model, systemPrompt string) *LLMRunner {
	return &LLMRunner{client: client, model: model, systemPrompt: systemPrompt}
}

func (r *LLMRunner) Run(ctx context.Context, env envelope.Envelope) (<-chan envelope.Event, error) {
	ch := make(chan envelope.Event, 16)

	messages := []llm.ChatMessage{}
	if r.systemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: r.systemPrompt})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: env.Content})

	req := &llm.CompletionRequest{
		Model:    r.model,
		Messages: messages,
		Stream:   true,
	}

	go func() {
		defer close(ch)

		resp, err := r.client.CompleteStream(ctx, req, func(token string, index int) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- envelope.NewTokenEvent(env.ConversationID, token, index):
				return nil
			}
		})
		if err != nil {
			ch <- envelope.NewOutputEvent(env.ConversationID, fmt.Sprintf("run failed: %v", err))
			return
		}

		out := envelope.NewOutputEvent(env.ConversationID, resp.Content)
		out.Usage = map[string]any{
			"tokens_in":   resp.TokensIn,
			"tokens_out":  resp.TokensOut,
			"stop_reason": resp.StopReason,
			"latency_ms":  resp.LatencyMs,
			"model":       resp.Model,
		}
		ch <- out
	}()

	return ch, nil
}
