// Package runner defines the Runner contract consumed by the Worker and
// ships the adapters that implement it.
package runner

import (
	"context"

	"github.com/magent2/runtime/internal/envelope"
)

// Runner executes one envelope and produces a lazy, ordered stream of
// events. Implementations are single-threaded per call: Run must not be
// invoked again for the same call until the returned channels are drained.
// Adapted from the channel-based contract in hupe1980-agentmesh's
// core.Runner, generalized from a session/invocation model to the
// envelope/event model this runtime uses.
type Runner interface {
	// Run starts processing env and returns a channel of events in
	// emission order. The channel is closed once the run completes,
	// whether by emitting a terminal OutputEvent, by ctx cancellation, or
	// by error. Exactly one terminal OutputEvent is expected on success;
	// the Worker synthesizes one if the channel closes without it.
	Run(ctx context.Context, env envelope.Envelope) (<-chan envelope.Event, error)
}

// ControlHandler is an optional interface a Runner may implement to react
// to control-type envelopes (envelope.TypeControl) — cancellation signals,
// mode switches, or other out-of-band directives a conversation's owning
// agent defines. A Runner that does not implement ControlHandler simply
// never sees control envelopes; the Worker acks them without invoking Run.
type ControlHandler interface {
	HandleControl(ctx context.Context, env envelope.Envelope) error
}
