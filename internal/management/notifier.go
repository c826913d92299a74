package management

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dutyassign/internal/broker"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/models"
)

// ConfigEventProducer tells assignment workers that rules or the duty
// roster changed. With no producer or topic every publish is a no-op.
type ConfigEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewConfigEventProducer(producer broker.Producer, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *ConfigEventProducer) PublishRuleEvent(ctx context.Context, action string, ruleID int64, changedBy string) error {
	event := models.ConfigUpdateEvent{
		EventType:   models.EventTypeRuleUpdated,
		ServiceType: models.ServiceTypeAssignment,
		Action:      action,
		Timestamp:   time.Now(),
		ChangedBy:   changedBy,
	}
	if ruleID > 0 {
		event.RuleID = strconv.FormatInt(ruleID, 10)
	}
	return p.publishEvent(ctx, event)
}

// Invalidate announces that the schedule for dates changed so cached
// rosters get dropped. It lets the producer stand in for a roster cache.
func (p *ConfigEventProducer) Invalidate(ctx context.Context, dates ...string) error {
	event := models.ConfigUpdateEvent{
		EventType:   models.EventTypeRosterUpdated,
		ServiceType: models.ServiceTypeAssignment,
		Action:      models.ActionUpdate,
		Timestamp:   time.Now(),
		ChangedBy:   changedBy(ctx),
	}
	if len(dates) > 0 {
		event.Metadata = map[string]interface{}{"dates": dates}
	}
	return p.publishEvent(ctx, event)
}

func (p *ConfigEventProducer) publishEvent(ctx context.Context, event models.ConfigUpdateEvent) error {
	if p == nil || p.producer == nil || p.topic == "" {
		return nil
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal config event: %w", err)
	}

	var eventData map[string]interface{}
	if err := json.Unmarshal(eventJSON, &eventData); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	envelope := models.NewMessageEnvelopeBuilder().
		WithID(uuid.New().String()).
		WithSource("management-service").
		WithTimestamp(event.Timestamp).
		WithPayload(eventData).
		WithTraceID(logging.GetTraceID(ctx)).
		WithAttribute("event_type", event.EventType).
		WithAttribute("service_type", event.ServiceType).
		Build()

	return p.producer.Publish(ctx, p.topic, *envelope)
}
