package runner

import (
	"context"

	"github.com/magent2/runtime/internal/envelope"
)

// EchoRunner emits a single token followed by an output echoing the
// envelope's content. It is the fallback used when no LLM API key is
// configured.
type EchoRunner struct{}

func (EchoRunner) Run(ctx context.Context, env envelope.Envelope) (<-chan envelope.Event, error) {
	ch := make(chan envelope.Event, 2)
	ch <- envelope.NewTokenEvent(env.ConversationID, "echo", 0)
	ch <- envelope.NewOutputEvent(env.ConversationID, env.Content)
	close(ch)
	return ch, nil
}
