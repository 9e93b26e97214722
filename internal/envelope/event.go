package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the stream event variants carried on
// stream:<conversation_id>.
type EventType string

const (
	EventToken    EventType = "token"
	EventToolStep EventType = "tool_step"
	EventOutput   EventType = "output"
	EventLog      EventType = "log"
)

// Event is the tagged-union interface implemented by every stream event
// variant. Base returns the fields common to all variants.
type Event interface {
	Base() BaseEvent
	eventType() EventType
}

// BaseEvent carries the fields every stream event shares.
type BaseEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func newBase(conversationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

// TokenEvent carries one partial-text fragment of a run. Index is
// monotonically increasing per run.
type TokenEvent struct {
	BaseEvent
	Text  string `json:"text"`
	Index int    `json:"index"`
}

func NewTokenEvent(conversationID, text string, index int) TokenEvent {
	return TokenEvent{BaseEvent: newBase(conversationID), Text: text, Index: index}
}

func (e TokenEvent) Base() BaseEvent    { return e.BaseEvent }
func (e TokenEvent) eventType() EventType { return EventToken }

// ToolStepEvent represents a tool invocation or completion. Completions
// carry ResultSummary.
type ToolStepEvent struct {
	BaseEvent
	Name          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
	ResultSummary *string        `json:"result_summary,omitempty"`
}

func NewToolStepEvent(conversationID, name string, args map[string]any) ToolStepEvent {
	return ToolStepEvent{BaseEvent: newBase(conversationID), Name: name, Args: args}
}

func (e ToolStepEvent) Base() BaseEvent    { return e.BaseEvent }
func (e ToolStepEvent) eventType() EventType { return EventToolStep }

// OutputEvent is the terminal event of a run; Text is the full assistant
// reply.
type OutputEvent struct {
	BaseEvent
	Text  string         `json:"text"`
	Usage map[string]any `json:"usage,omitempty"`
}

func NewOutputEvent(conversationID, text string) OutputEvent {
	return OutputEvent{BaseEvent: newBase(conversationID), Text: text}
}

func (e OutputEvent) Base() BaseEvent    { return e.BaseEvent }
func (e OutputEvent) eventType() EventType { return EventOutput }

// LogEvent is an optional diagnostic passthrough.
type LogEvent struct {
	BaseEvent
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

func NewLogEvent(conversationID, level, component, message string) LogEvent {
	return LogEvent{BaseEvent: newBase(conversationID), Level: level, Component: component, Message: message}
}

func (e LogEvent) Base() BaseEvent    { return e.BaseEvent }
func (e LogEvent) eventType() EventType { return EventLog }

// MarshalEvent encodes an Event to its wire JSON form, adding the "event"
// discriminator field.
func MarshalEvent(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	tagged, err := json.Marshal(string(e.eventType()))
	if err != nil {
		return nil, err
	}
	m["event"] = tagged
	return json.Marshal(m)
}

// UnmarshalEvent decodes a wire JSON stream event into its concrete Event
// type based on the "event" discriminator, unmarshaling directly into the
// matching typed struct. Fields not present on that struct are dropped; the
// SSE egress path is unaffected since it forwards the original payload
// bytes rather than a value produced by this function.
func UnmarshalEvent(data []byte) (Event, error) {
	var tag struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	switch tag.Event {
	case EventToken:
		var e TokenEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventToolStep:
		var e ToolStepEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventOutput:
		var e OutputEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventLog:
		var e LogEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event discriminator %q", tag.Event)
	}
}
