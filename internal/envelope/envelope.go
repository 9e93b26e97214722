// Package envelope defines the wire shapes carried on the bus: the
// inbound Envelope and the stream events emitted during a run.
package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type discriminates the kind of Envelope.
type Type string

const (
	TypeMessage Type = "message"
	TypeControl Type = "control"
)

// Envelope is the immutable unit published to inbound topics.
type Envelope struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Type           Type           `json:"type"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// New fills in ID and CreatedAt when they are not already set.
func New(e Envelope) Envelope {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}

// Validate checks the schema-level invariants the gateway must enforce
// before publishing. It does not touch the bus.
func (e Envelope) Validate() error {
	if e.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if e.Sender == "" {
		return errors.New("sender is required")
	}
	if !validAddress(e.Sender, "user:", "agent:") {
		return errors.New("sender must be of the form user:<id> or agent:<name>")
	}
	if e.Recipient == "" {
		return errors.New("recipient is required")
	}
	if !validAddress(e.Recipient, "agent:", "chat:") {
		return errors.New("recipient must be of the form agent:<name> or chat:<conversation_id>")
	}
	switch e.Type {
	case TypeMessage, TypeControl:
	default:
		return errors.New("type must be message or control")
	}
	if e.Type == TypeMessage && e.Content == "" {
		return errors.New("content is required for message envelopes")
	}
	if !utf8.ValidString(e.Content) {
		return errors.New("content must be valid UTF-8")
	}
	if len(e.Content) > 100_000 {
		return errors.New("content exceeds maximum length")
	}
	return nil
}

func validAddress(v string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) && len(v) > len(p) {
			return true
		}
	}
	return false
}

// RecipientAgent returns the agent name and true if the recipient addresses
// an agent directly (recipient == "agent:<name>").
func RecipientAgent(recipient string) (string, bool) {
	name, ok := strings.CutPrefix(recipient, "agent:")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// DecodeEnvelope parses a bus payload into an Envelope without validating
// it; callers that need schema enforcement call Validate separately.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// EncodeEnvelope serializes e to its wire JSON form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
