package models

import (
	"encoding/json"
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "message envelope cannot be nil",
		}
	}

	if msg.ID == "" {
		return &ValidationError{
			Field:   "id",
			Message: "message ID is required",
		}
	}

	if msg.Source == "" {
		return &ValidationError{
			Field:   "source",
			Message: "message source is required",
		}
	}

	if msg.Timestamp.IsZero() {
		return &ValidationError{
			Field:   "timestamp",
			Message: "message timestamp is required",
		}
	}

	if msg.Payload == nil {
		return &ValidationError{
			Field:   "payload",
			Message: "message payload cannot be nil",
		}
	}

	return nil
}

// DecodeDealEvent reads a DealEvent out of an envelope payload. The CRM sends
// ids as strings, so entity_id is accepted in both forms.
func DecodeDealEvent(msg *MessageEnvelope) (*DealEvent, error) {
	if err := ValidateMessageEnvelope(msg); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var wire struct {
		EntityType string      `json:"entity_type"`
		EntityID   json.Number `json:"entity_id"`
		Event      string      `json:"event"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ValidationError{Field: "payload", Message: err.Error()}
	}

	if wire.EntityType == "" {
		wire.EntityType = EntityDeal
	}
	if wire.EntityType != EntityDeal {
		return nil, &ValidationError{Field: "entity_type", Message: fmt.Sprintf("unsupported entity type %q", wire.EntityType)}
	}

	id, err := wire.EntityID.Int64()
	if err != nil || id <= 0 {
		return nil, &ValidationError{Field: "entity_id", Message: "entity_id must be a positive integer"}
	}

	return &DealEvent{EntityType: wire.EntityType, EntityID: id, Event: wire.Event}, nil
}
