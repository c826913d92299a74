package assignment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"dutyassign/internal/broker"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/models"
)

// BrokerPublisher publishes assignment events as message envelopes.
type BrokerPublisher struct {
	producer broker.Producer
	topic    string
	source   string
}

func NewBrokerPublisher(producer broker.Producer, topic, source string) *BrokerPublisher {
	return &BrokerPublisher{producer: producer, topic: topic, source: source}
}

func (p *BrokerPublisher) PublishAssignment(ctx context.Context, event models.AssignmentEvent) error {
	if p.topic == "" {
		return nil
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode assignment event: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to encode assignment event: %w", err)
	}

	envelope := models.NewMessageEnvelopeBuilder().
		WithID(uuid.NewString()).
		WithSource(p.source).
		WithTimestamp(event.Timestamp).
		WithPayload(payload).
		WithTraceID(logging.GetTraceID(ctx)).
		WithRunID(event.RunID).
		WithAttribute("event_type", "assignment").
		Build()

	return p.producer.Publish(ctx, p.topic, *envelope)
}
