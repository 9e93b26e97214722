// Package bus defines the typed, at-least-once, ordered publish/read
// abstraction shared by every component in this runtime, and its two
// implementations: an in-process bus for single-process dev/test, and a
// NATS JetStream-backed bus for production.
package bus

import (
	"context"
	"errors"
)

// ErrBusUnavailable is returned when a transport-level error prevents a
// publish or read from completing. It is never returned for an empty read.
var ErrBusUnavailable = errors.New("bus: unavailable")

// ErrInvalidCursor is returned when a caller-supplied cursor is malformed.
var ErrInvalidCursor = errors.New("bus: invalid cursor")

// Message is one entry appended to a topic. Cursor is an opaque,
// backend-assigned, totally-ordered handle; callers must never parse it.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Cursor  string
}

// Bus is the minimal pluggable interface every backend implements.
type Bus interface {
	// Publish appends payload to topic under canonical id, returning the
	// new entry's cursor.
	Publish(ctx context.Context, topic string, id string, payload []byte) (string, error)

	// Read returns up to limit entries strictly after lastCursor, or, when
	// lastCursor is empty, the most recent up-to-limit entries (a bounded
	// tail window, not the full history). If blockMs > 0 and nothing is
	// immediately available, Read waits up to that long before returning
	// an empty slice. In consumer-group mode only new entries are
	// delivered to the group; the caller must subsequently Ack them.
	Read(ctx context.Context, topic string, lastCursor string, limit int, blockMs int) ([]Message, error)

	// Ack marks an entry processed in consumer-group mode. It is a no-op
	// outside group mode.
	Ack(ctx context.Context, topic string, cursor string) error
}

// GroupOptions configures consumer-group mode at bus construction.
// Identity of the group and consumer is process-scoped, never ambient
// global state.
type GroupOptions struct {
	Group    string
	Consumer string
}
