// Package worker implements the agent Worker: it drains one agent's
// inbound topic, invokes a Runner, mirrors the Runner's events onto the
// conversation's egress topic, and acknowledges.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/retry"
	"github.com/magent2/runtime/internal/runner"
	"github.com/magent2/runtime/pkg/logger"
	"github.com/magent2/runtime/pkg/metrics"
)

// runTimeout bounds how long a single Runner call may run before the
// Worker synthesizes a terminal OutputEvent, guarding against a Runner
// that violates its one-terminal-event contract.
const runTimeout = 2 * time.Minute

// Signaler is the subset of the signals package a Worker needs to emit a
// child-completion signal. Declared here, at the point of use, so worker
// does not import signals directly.
type Signaler interface {
	Send(ctx context.Context, topic string, payload map[string]any) error
}

// SignalerFunc adapts a plain function to the Signaler interface.
type SignalerFunc func(ctx context.Context, topic string, payload map[string]any) error

func (f SignalerFunc) Send(ctx context.Context, topic string, payload map[string]any) error {
	return f(ctx, topic, payload)
}

// Config configures a Worker instance.
type Config struct {
	AgentName      string
	Consumer       string
	BlockMs        int
	AutoDoneSignal bool
}

// Worker drains chat:<agent_name> in consumer-group mode, one group per
// agent name, one consumer per process, running a single owned subscribe
// loop for the lifetime of the process.
type Worker struct {
	cfg      Config
	bus      bus.Bus
	runner   runner.Runner
	signaler Signaler
	log      *logger.Logger
	backoff  *retry.Backoff
}

// New constructs a Worker bound to one agent name. b must already be
// configured for consumer-group mode with a stable group name (one group
// per agent name; the gateway and worker binaries use the agent name
// itself) and consumer=cfg.Consumer, a unique consumer name (one per
// process).
func New(cfg Config, b bus.Bus, r runner.Runner, signaler Signaler, log *logger.Logger) *Worker {
	return &Worker{cfg: cfg, bus: b, runner: r, signaler: signaler, log: log, backoff: retry.New(50*time.Millisecond, 200*time.Millisecond)}
}

// Run drains the inbound topic until ctx is cancelled. It returns after the
// in-flight envelope (if any) has fully drained, published its terminal
// event, and been acknowledged.
func (w *Worker) Run(ctx context.Context) error {
	topic := envelope.ChatTopic(w.cfg.AgentName)
	w.log.Info("worker starting", zap.String("agent", w.cfg.AgentName), zap.String("topic", topic))

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping, context cancelled", zap.String("agent", w.cfg.AgentName))
			return ctx.Err()
		}

		msgs, err := w.bus.Read(ctx, topic, "", 100, w.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("worker read failed", zap.Error(err), zap.String("agent", w.cfg.AgentName))
			metrics.BusReadTotal.WithLabelValues("chat", "false").Inc()
			time.Sleep(w.backoff.Next())
			continue
		}

		if len(msgs) == 0 {
			metrics.BusReadTotal.WithLabelValues("chat", "true").Inc()
			if w.cfg.BlockMs <= 0 {
				time.Sleep(w.backoff.Next())
			}
			continue
		}
		metrics.BusReadTotal.WithLabelValues("chat", "false").Inc()
		w.backoff.Reset()

		w.drain(ctx, topic, msgs)
	}
}

// drain processes at most one envelope per conversation_id from msgs,
// avoiding a Runner handling two concurrent turns of the same conversation.
func (w *Worker) drain(ctx context.Context, topic string, msgs []bus.Message) {
	seen := make(map[string]bool)

	for _, m := range msgs {
		// On shutdown, envelopes not yet started stay unacknowledged and
		// are redelivered.
		if ctx.Err() != nil {
			return
		}
		env, err := envelope.DecodeEnvelope(m.Payload)
		if err != nil {
			w.log.Warn("worker dropping malformed envelope", zap.Error(err), zap.String("agent", w.cfg.AgentName))
			_ = w.bus.Ack(ctx, topic, m.Cursor)
			continue
		}

		if seen[env.ConversationID] {
			continue
		}
		seen[env.ConversationID] = true

		w.process(ctx, env)
		if err := w.bus.Ack(ctx, topic, m.Cursor); err != nil {
			w.log.Error("worker ack failed", zap.Error(err), zap.String("cursor", m.Cursor))
		}
	}
}

func (w *Worker) process(ctx context.Context, env envelope.Envelope) {
	// Shutdown does not cut an envelope short: it runs to its terminal
	// event, bounded only by runTimeout.
	ctx = context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	streamTopic := envelope.StreamTopic(env.ConversationID)

	if env.Type == envelope.TypeControl {
		w.processControl(runCtx, env)
		return
	}

	events, err := w.runner.Run(runCtx, env)
	if err != nil {
		w.publishSynthetic(ctx, streamTopic, env.ConversationID, fmt.Sprintf("runner failed to start: %v", err))
		metrics.WorkerErrorsTotal.WithLabelValues(w.cfg.AgentName).Inc()
		return
	}

	gotTerminal := false
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if !gotTerminal {
					w.publishSynthetic(ctx, streamTopic, env.ConversationID, "runner closed without a terminal output event")
					metrics.WorkerErrorsTotal.WithLabelValues(w.cfg.AgentName).Inc()
				}
				metrics.WorkerProcessedTotal.WithLabelValues(w.cfg.AgentName, "ok").Inc()
				w.maybeSignalDone(ctx, env)
				return
			}
			w.publish(ctx, streamTopic, evt)
			if _, isOutput := evt.(envelope.OutputEvent); isOutput {
				gotTerminal = true
			}
		case <-runCtx.Done():
			if !gotTerminal {
				w.publishSynthetic(ctx, streamTopic, env.ConversationID, "runner timed out without a terminal output event")
				metrics.WorkerErrorsTotal.WithLabelValues(w.cfg.AgentName).Inc()
			}
			metrics.WorkerProcessedTotal.WithLabelValues(w.cfg.AgentName, "timeout").Inc()
			w.maybeSignalDone(ctx, env)
			return
		}
	}
}

// processControl dispatches a control-type envelope to the Runner's
// optional ControlHandler, if it implements one. Runners that don't
// leave control envelopes untouched entirely.
func (w *Worker) processControl(ctx context.Context, env envelope.Envelope) {
	handler, ok := w.runner.(runner.ControlHandler)
	if !ok {
		return
	}
	if err := handler.HandleControl(ctx, env); err != nil {
		w.log.Warn("worker control handler failed", zap.Error(err), zap.String("agent", w.cfg.AgentName))
	}
}

// publish writes evt to topic, retrying transport failures with a capped
// backoff before giving up.
func (w *Worker) publish(ctx context.Context, topic string, evt envelope.Event) {
	payload, err := envelope.MarshalEvent(evt)
	if err != nil {
		w.log.Error("worker failed to marshal event", zap.Error(err))
		return
	}

	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := w.bus.Publish(ctx, topic, evt.Base().ID, payload); err == nil {
			metrics.BusPublishTotal.WithLabelValues("stream", "ok").Inc()
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
	metrics.BusPublishTotal.WithLabelValues("stream", "failed").Inc()
	w.log.Error("worker gave up publishing event after retries", zap.String("topic", topic))
}

func (w *Worker) publishSynthetic(ctx context.Context, topic, conversationID, summary string) {
	w.publish(ctx, topic, envelope.NewOutputEvent(conversationID, summary))
}

// maybeSignalDone emits the child-completion signal if the processed
// envelope carries metadata.orchestrate.done_topic and the policy enables
// it.
func (w *Worker) maybeSignalDone(ctx context.Context, env envelope.Envelope) {
	if !w.cfg.AutoDoneSignal || w.signaler == nil {
		return
	}
	orchestrate, ok := env.Metadata["orchestrate"].(map[string]any)
	if !ok {
		return
	}
	doneTopic, ok := orchestrate["done_topic"].(string)
	if !ok || doneTopic == "" {
		return
	}
	digest := env.Content
	if len(digest) > 64 {
		digest = digest[:64]
	}
	if err := w.signaler.Send(ctx, doneTopic, map[string]any{"output_digest": digest}); err != nil {
		w.log.Warn("worker failed to send done signal", zap.Error(err), zap.String("topic", doneTopic))
	}
}
