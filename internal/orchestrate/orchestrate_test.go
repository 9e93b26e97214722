package orchestrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/signals"
)

func TestSplit_PublishesOneEnvelopePerChild(t *testing.T) {
	b := bus.New(nil)
	sig := signals.New(b, signals.Policy{})
	o := New(b, sig)

	res, err := o.Split(context.Background(), SplitRequest{
		Task:        "review the diff",
		NumChildren: 3,
		TargetAgent: "ReviewAgent",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Len(t, res.Children, 3)
	assert.Len(t, res.Topics, 3)

	for _, child := range res.Children {
		assert.Regexp(t, `^conv-child-[0-9a-f]{8}$`, child)
	}

	msgs, err := b.Read(context.Background(), "chat:ReviewAgent", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSplit_ZeroChildrenReturnsEmptyButOK(t *testing.T) {
	b := bus.New(nil)
	sig := signals.New(b, signals.Policy{})
	o := New(b, sig)

	res, err := o.Split(context.Background(), SplitRequest{Task: "nothing to do", NumChildren: 0, TargetAgent: "A"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Children)
}

func TestSplit_WaitsForAllChildrenWhenRequested(t *testing.T) {
	b := bus.New(nil)
	sig := signals.New(b, signals.Policy{})
	o := New(b, sig)

	planned, err := o.Split(context.Background(), SplitRequest{
		Task:        "plan only",
		NumChildren: 2,
		TargetAgent: "A",
		ParentID:    "parent-wait",
	})
	require.NoError(t, err)
	require.Len(t, planned.Topics, 2)

	go func() {
		time.Sleep(30 * time.Millisecond)
		for _, topic := range planned.Topics {
			_, _ = sig.Send(context.Background(), topic, map[string]any{"output_digest": "ok"}, "")
		}
	}()

	res, err := o.Split(context.Background(), SplitRequest{
		Task:        "parallel work",
		NumChildren: 2,
		TargetAgent: "A",
		ParentID:    "parent-wait",
		Wait:        true,
		TimeoutMs:   500,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.Wait)
	assert.Len(t, res.Wait.Messages, 2)
}

// TestSplit_ChildDoneTopicMatchesWhatSendPublishesTo guards against
// double-prefixing the done_topic a child worker signals completion on: the
// bare scope stored in the child envelope's metadata must be the same bare
// scope passed to WaitAll, since Send adds exactly one signal: prefix.
func TestSplit_ChildDoneTopicMatchesWhatSendPublishesTo(t *testing.T) {
	store := bus.NewStore()
	b := bus.NewView(store, nil)
	sig := signals.New(b, signals.Policy{})
	o := New(b, sig)

	res, err := o.Split(context.Background(), SplitRequest{
		Task:        "fix bug",
		NumChildren: 1,
		TargetAgent: "A",
		ParentID:    "parent-done",
	})
	require.NoError(t, err)
	require.Len(t, res.Children, 1)

	msgs, err := b.Read(context.Background(), envelope.ChatTopic("A"), "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	env, err := envelope.DecodeEnvelope(msgs[0].Payload)
	require.NoError(t, err)
	orchestrateMeta, ok := env.Metadata["orchestrate"].(map[string]any)
	require.True(t, ok)
	doneTopic, ok := orchestrateMeta["done_topic"].(string)
	require.True(t, ok)
	assert.Equal(t, res.Topics[0], doneTopic)

	_, err = sig.Send(context.Background(), doneTopic, map[string]any{"output_digest": "done"}, "")
	require.NoError(t, err)

	waitRes, err := sig.WaitAll(context.Background(), res.Topics, nil, 200, "")
	require.NoError(t, err)
	assert.True(t, waitRes.OK)
}

func TestResolveTargetAgent_PrecedenceExplicitThenEnv(t *testing.T) {
	t.Setenv("ORCHESTRATE_TARGET_AGENT", "EnvAgent")
	t.Setenv("AGENT_NAME", "NameAgent")

	assert.Equal(t, "ExplicitAgent", resolveTargetAgent("ExplicitAgent"))
	assert.Equal(t, "EnvAgent", resolveTargetAgent(""))
}

func TestResolveTargetAgent_FallsBackToAgentNameThenDefault(t *testing.T) {
	t.Setenv("ORCHESTRATE_TARGET_AGENT", "")
	t.Setenv("AGENT_NAME", "NameAgent")
	assert.Equal(t, "NameAgent", resolveTargetAgent(""))

	t.Setenv("AGENT_NAME", "")
	assert.Equal(t, "DevAgent", resolveTargetAgent(""))
}

func TestSplit_ChildMetadataCarriesOrchestrateFields(t *testing.T) {
	b := bus.New(nil)
	sig := signals.New(b, signals.Policy{})
	o := New(b, sig)

	res, err := o.Split(context.Background(), SplitRequest{
		Task:             "fix bug",
		NumChildren:      1,
		TargetAgent:      "A",
		Responsibilities: []string{"fix it"},
		AllowedPaths:     []string{"src/**"},
		ParentID:         "parent-123",
	})
	require.NoError(t, err)
	require.Len(t, res.Topics, 1)
	assert.Contains(t, res.Topics[0], "parent-123")
}
