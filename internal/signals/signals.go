// Package signals implements named, cursor-addressed coordination channels
// carried on the bus, with policy enforcement and redaction, plus
// wait_any/wait_all combinators over multiple topics.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/envelope"
)

// pollInterval is the delay between polls in multi-wait: short polling
// with a deadline.
const pollInterval = 40 * time.Millisecond

// Signals issues signal_send/signal_wait* operations against a bus.Bus,
// enforcing Policy and emitting visibility events on a caller's stream
// topic when a conversation ID is known.
type Signals struct {
	bus    bus.Bus
	policy Policy
}

// New constructs a Signals instance bound to b under policy.
func New(b bus.Bus, policy Policy) *Signals {
	return &Signals{bus: b, policy: policy}
}

// SendResult is the response of Send.
type SendResult struct {
	OK     bool   `json:"ok"`
	Topic  string `json:"topic"`
	Cursor string `json:"cursor"`
}

// WaitResult is the response of Wait.
type WaitResult struct {
	OK        bool           `json:"ok"`
	Topic     string         `json:"topic,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// Send publishes payload to signal:<topic> wrapped in the standard
// {event: "signal", payload} envelope, and emits a signal_send visibility
// event on stream:<conversationID> when conversationID is non-empty.
func (s *Signals) Send(ctx context.Context, topic string, payload map[string]any, conversationID string) (SendResult, error) {
	if topic == "" {
		return SendResult{}, errors.New("signals: topic must be non-empty")
	}
	if err := s.policy.checkTopic(topic); err != nil {
		return SendResult{}, err
	}

	body := map[string]any{"event": "signal", "payload": payload}
	encoded, err := json.Marshal(body)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.policy.checkPayloadSize(len(encoded)); err != nil {
		return SendResult{}, err
	}

	id := uuid.Must(uuid.NewV7()).String()
	cursor, err := s.bus.Publish(ctx, envelope.SignalTopic(topic), id, encoded)
	if err != nil {
		return SendResult{}, err
	}

	if conversationID != "" {
		s.emitVisibility(ctx, conversationID, "signal_send", topic, cursor, len(encoded))
	}

	return SendResult{OK: true, Topic: topic, Cursor: cursor}, nil
}

// Wait returns the first signal:<topic> entry strictly after lastCursor, or
// a timeout result after timeoutMs.
func (s *Signals) Wait(ctx context.Context, topic, lastCursor string, timeoutMs int, conversationID string) (WaitResult, error) {
	if topic == "" {
		return WaitResult{}, errors.New("signals: topic must be non-empty")
	}
	if err := s.policy.checkTopic(topic); err != nil {
		return WaitResult{}, err
	}
	if timeoutMs <= 0 {
		timeoutMs = 1
	}

	busTopic := envelope.SignalTopic(topic)
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	cursor := lastCursor

	for {
		msgs, err := s.bus.Read(ctx, busTopic, cursor, 1, 0)
		if err != nil {
			return WaitResult{}, err
		}
		if len(msgs) > 0 {
			msg := msgs[0]
			var decoded map[string]any
			if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
				return WaitResult{}, err
			}
			if payload, ok := decoded["payload"].(map[string]any); ok {
				decoded["payload"] = redactPayload(payload)
			}
			if conversationID != "" {
				s.emitVisibility(ctx, conversationID, "signal_recv", topic, msg.Cursor, len(msg.Payload))
			}
			return WaitResult{OK: true, Topic: topic, Message: decoded, Cursor: msg.Cursor}, nil
		}
		if time.Now().After(deadline) {
			return WaitResult{OK: false, Topic: topic, TimeoutMs: timeoutMs}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WaitAnyResult is the response of WaitAny.
type WaitAnyResult struct {
	OK        bool           `json:"ok"`
	Topic     string         `json:"topic,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// WaitAny returns the first entry observed across topics, reporting which
// topic fired.
func (s *Signals) WaitAny(ctx context.Context, topics []string, lastCursors map[string]string, timeoutMs int, conversationID string) (WaitAnyResult, error) {
	if len(topics) == 0 {
		return WaitAnyResult{}, errors.New("signals: topics must be non-empty")
	}
	for _, t := range topics {
		if err := s.policy.checkTopic(t); err != nil {
			return WaitAnyResult{}, err
		}
	}
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	for {
		for _, topic := range topics {
			cursor := lastCursors[topic]
			msgs, err := s.bus.Read(ctx, envelope.SignalTopic(topic), cursor, 1, 0)
			if err != nil {
				return WaitAnyResult{}, err
			}
			if len(msgs) == 0 {
				continue
			}
			msg := msgs[0]
			var decoded map[string]any
			if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
				return WaitAnyResult{}, err
			}
			if payload, ok := decoded["payload"].(map[string]any); ok {
				decoded["payload"] = redactPayload(payload)
			}
			if conversationID != "" {
				s.emitVisibility(ctx, conversationID, "signal_recv", topic, msg.Cursor, len(msg.Payload))
			}
			return WaitAnyResult{OK: true, Topic: topic, Message: decoded, Cursor: msg.Cursor}, nil
		}
		if time.Now().After(deadline) {
			return WaitAnyResult{OK: false, TimeoutMs: timeoutMs}, nil
		}
		select {
		case <-ctx.Done():
			return WaitAnyResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WaitAllResult is the response of WaitAll.
type WaitAllResult struct {
	OK        bool                      `json:"ok"`
	Messages  map[string]map[string]any `json:"messages,omitempty"`
	Cursors   map[string]string         `json:"cursors,omitempty"`
	TimeoutMs int                       `json:"timeout_ms,omitempty"`
}

// WaitAll returns once at least one new entry has been observed on every
// topic, or times out with whatever subset was observed.
func (s *Signals) WaitAll(ctx context.Context, topics []string, lastCursors map[string]string, timeoutMs int, conversationID string) (WaitAllResult, error) {
	if len(topics) == 0 {
		return WaitAllResult{}, errors.New("signals: topics must be non-empty")
	}
	for _, t := range topics {
		if err := s.policy.checkTopic(t); err != nil {
			return WaitAllResult{}, err
		}
	}
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	messages := make(map[string]map[string]any)
	cursors := make(map[string]string)

	for {
		for _, topic := range topics {
			if _, done := messages[topic]; done {
				continue
			}
			cursor := lastCursors[topic]
			msgs, err := s.bus.Read(ctx, envelope.SignalTopic(topic), cursor, 1, 0)
			if err != nil {
				return WaitAllResult{}, err
			}
			if len(msgs) == 0 {
				continue
			}
			msg := msgs[0]
			var decoded map[string]any
			if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
				return WaitAllResult{}, err
			}
			if payload, ok := decoded["payload"].(map[string]any); ok {
				decoded["payload"] = redactPayload(payload)
			}
			messages[topic] = decoded
			cursors[topic] = msg.Cursor
			if conversationID != "" {
				s.emitVisibility(ctx, conversationID, "signal_recv", topic, msg.Cursor, len(msg.Payload))
			}
		}
		if len(messages) == len(topics) {
			return WaitAllResult{OK: true, Messages: messages, Cursors: cursors}, nil
		}
		if time.Now().After(deadline) {
			return WaitAllResult{OK: false, Messages: messages, Cursors: cursors, TimeoutMs: timeoutMs}, nil
		}
		select {
		case <-ctx.Done():
			return WaitAllResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// emitVisibility publishes a signal_send/signal_recv marker on a caller's
// stream topic: topic name, cursor, and payload length only, never the
// full payload.
func (s *Signals) emitVisibility(ctx context.Context, conversationID, kind, topic, cursor string, payloadLen int) {
	evt := envelope.NewLogEvent(conversationID, "info", "signals", kind)
	payload, err := envelope.MarshalEvent(evt)
	if err != nil {
		return
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return
	}
	extra, err := json.Marshal(map[string]any{"signal_topic": topic, "cursor": cursor, "payload_bytes": payloadLen})
	if err != nil {
		return
	}
	var extraMap map[string]json.RawMessage
	if err := json.Unmarshal(extra, &extraMap); err != nil {
		return
	}
	for k, v := range extraMap {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return
	}
	_, _ = s.bus.Publish(ctx, envelope.StreamTopic(conversationID), uuid.Must(uuid.NewV7()).String(), merged)
}

// AsWorkerSignaler adapts Signals to the minimal Send(ctx, topic, payload)
// error signature the worker package's Signaler interface expects.
func (s *Signals) AsWorkerSignaler() func(ctx context.Context, topic string, payload map[string]any) error {
	return func(ctx context.Context, topic string, payload map[string]any) error {
		_, err := s.Send(ctx, topic, payload, "")
		return err
	}
}
