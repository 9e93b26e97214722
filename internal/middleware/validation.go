package middleware

import (
	"errors"

	"github.com/google/uuid"
)

// ValidateConversationID validates a conversation ID path parameter used by
// the egress endpoint. Conversation IDs are caller-assigned opaque strings
// (including orchestrate_split's "conv-child-<hex>" form), not necessarily
// UUIDs, so this only bounds length and rejects empty values.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 256 {
		return errors.New("conversation ID exceeds maximum length")
	}
	return nil
}

// ValidateEnvelopeID validates a client-supplied envelope ID, when present.
// Unlike conversation IDs, envelope IDs default to UUIDv7 when omitted, so
// a supplied one is held to UUID format.
func ValidateEnvelopeID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid envelope ID format")
	}
	return nil
}
