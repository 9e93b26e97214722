// Package orchestrate implements orchestrate_split: deterministic fan-out
// to N child conversations of the same agent with fan-in via signals.
package orchestrate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/signals"
)

// Publisher is the minimal bus-publish contract orchestrate_split needs to
// fan an envelope out the same way the Gateway's /send does.
type Publisher interface {
	Publish(ctx context.Context, topic string, id string, payload []byte) (string, error)
}

// Orchestrator runs orchestrate_split against a bus and a Signals instance.
type Orchestrator struct {
	bus     Publisher
	signals *signals.Signals
}

// New constructs an Orchestrator.
func New(b Publisher, sig *signals.Signals) *Orchestrator {
	return &Orchestrator{bus: b, signals: sig}
}

// SplitRequest configures one orchestrate_split call.
type SplitRequest struct {
	Task            string
	NumChildren     int
	Responsibilities []string
	AllowedPaths    []string
	TargetAgent     string
	TimeoutMs       int
	Wait            bool
	ParentID        string
}

// SplitResult is the response of Split.
type SplitResult struct {
	OK       bool                   `json:"ok"`
	Children []string               `json:"children"`
	Topics   []string               `json:"topics"`
	Wait     *signals.WaitAllResult `json:"wait,omitempty"`
}

// resolveTargetAgent implements the explicit > ORCHESTRATE_TARGET_AGENT >
// AGENT_NAME > default precedence from orchestrate.py.
func resolveTargetAgent(explicit string) string {
	if t := strings.TrimSpace(explicit); t != "" {
		return t
	}
	if t := strings.TrimSpace(os.Getenv("ORCHESTRATE_TARGET_AGENT")); t != "" {
		return t
	}
	if t := strings.TrimSpace(os.Getenv("AGENT_NAME")); t != "" {
		return t
	}
	return "DevAgent"
}

// Split fans req.Task out to req.NumChildren fresh child conversations,
// each addressed to the resolved target agent, and optionally waits for
// every child's done signal.
func (o *Orchestrator) Split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	n := req.NumChildren
	if n < 0 {
		n = 0
	}
	target := resolveTargetAgent(req.TargetAgent)
	parentID := req.ParentID
	if parentID == "" {
		parentID = uuid.Must(uuid.NewV7()).String()
	}

	children := make([]string, 0, n)
	topics := make([]string, 0, n)

	for i := 0; i < n; i++ {
		childID := fmt.Sprintf("conv-child-%s", shortID())
		doneTopic := fmt.Sprintf("orchestrate/%s/%d/done", parentID, i)

		env := envelope.New(envelope.Envelope{
			ConversationID: childID,
			Sender:         fmt.Sprintf("agent:%s", target),
			Recipient:      fmt.Sprintf("agent:%s", target),
			Type:           envelope.TypeMessage,
			Content:        fmt.Sprintf("Subtask for: %s", req.Task),
			Metadata: map[string]any{
				"orchestrate": map[string]any{
					"parent_id":        parentID,
					"done_topic":       doneTopic,
					"responsibilities": req.Responsibilities,
					"allowed_paths":    req.AllowedPaths,
				},
			},
		})

		if err := o.publish(ctx, env); err != nil {
			return SplitResult{}, err
		}

		children = append(children, childID)
		topics = append(topics, doneTopic)
	}

	result := SplitResult{OK: true, Children: children, Topics: topics}

	if req.Wait && len(topics) > 0 {
		waitRes, err := o.signals.WaitAll(ctx, topics, nil, req.TimeoutMs, "")
		if err != nil {
			return SplitResult{}, err
		}
		result.Wait = &waitRes
		result.OK = waitRes.OK
	}

	return result, nil
}

// publish fans env out to every topic the Gateway's ingress would use:
// both the agent topic and the conversation topic.
func (o *Orchestrator) publish(ctx context.Context, env envelope.Envelope) error {
	payload, err := envelope.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	for _, topic := range envelope.ComputePublishTopics(env.Recipient, env.ConversationID) {
		if _, err := o.bus.Publish(ctx, topic, env.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

func shortID() string {
	id := uuid.Must(uuid.NewV7()).String()
	return strings.ReplaceAll(id, "-", "")[:8]
}
