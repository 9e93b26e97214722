package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magent2/runtime/internal/envelope"
)

func TestEchoRunner_EmitsTokenThenOutput(t *testing.T) {
	r := EchoRunner{}
	env := envelope.New(envelope.Envelope{ConversationID: "conv-1", Content: "hello there"})

	ch, err := r.Run(context.Background(), env)
	require.NoError(t, err)

	var events []envelope.Event
	for evt := range ch {
		events = append(events, evt)
	}

	require.Len(t, events, 2)
	_, isToken := events[0].(envelope.TokenEvent)
	assert.True(t, isToken)

	out, isOutput := events[1].(envelope.OutputEvent)
	require.True(t, isOutput)
	assert.Equal(t, "hello there", out.Text)
}

func TestEchoRunner_ChannelClosesPromptly(t *testing.T) {
	r := EchoRunner{}
	env := envelope.New(envelope.Envelope{ConversationID: "conv-1", Content: "hi"})

	ch, err := r.Run(context.Background(), env)
	require.NoError(t, err)

	select {
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	case _, ok := <-drainAll(ch):
		assert.False(t, ok)
	}
}

func drainAll(ch <-chan envelope.Event) <-chan envelope.Event {
	out := make(chan envelope.Event)
	go func() {
		for range ch {
		}
		close(out)
	}()
	return out
}
