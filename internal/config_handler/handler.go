package config_handler

import (
	"context"
	"encoding/json"

	"dutyassign/internal/logger"
	"dutyassign/pkg/models"
)

type ConfigReloader interface {
	ReloadRules(ctx context.Context, skipJitter ...bool) error
}

// RosterInvalidator drops cached duty rosters. No dates means all of them.
type RosterInvalidator interface {
	Invalidate(ctx context.Context, dates ...string) error
}

type Handler struct {
	expectedServiceType string
	reloader            ConfigReloader
	invalidator         RosterInvalidator
	logger              logger.Logger
}

func NewHandler(expectedServiceType string, log logger.Logger) *Handler {
	return &Handler{
		expectedServiceType: expectedServiceType,
		logger:              log,
	}
}

func (h *Handler) WithReloader(reloader ConfigReloader) *Handler {
	h.reloader = reloader
	return h
}

func (h *Handler) WithInvalidator(invalidator RosterInvalidator) *Handler {
	h.invalidator = invalidator
	return h
}

func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope models.MessageEnvelope) error {
	eventType, ok := attribute(envelope, "event_type")
	if !ok {
		h.logger.WarnwCtx(ctx, "Config event missing event_type", "id", envelope.ID)
		return nil
	}

	serviceType, ok := attribute(envelope, "service_type")
	if !ok {
		h.logger.WarnwCtx(ctx, "Config event missing service_type", "id", envelope.ID)
		return nil
	}
	if serviceType != h.expectedServiceType {
		return nil
	}

	var event models.ConfigUpdateEvent
	eventJSON, err := json.Marshal(envelope.Payload)
	if err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to marshal event payload", "error", err, "id", envelope.ID)
		return err
	}
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to unmarshal config event", "error", err, "id", envelope.ID)
		return err
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"event_type", eventType,
		"action", event.Action,
		"rule_id", event.RuleID,
	)

	switch eventType {
	case models.EventTypeRuleUpdated:
		return h.reload(ctx, event)
	case models.EventTypeRosterUpdated:
		return h.invalidate(ctx, event)
	default:
		return nil
	}
}

func (h *Handler) reload(ctx context.Context, event models.ConfigUpdateEvent) error {
	if h.reloader == nil {
		return nil
	}
	if err := h.reloader.ReloadRules(ctx); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload rules after config update", "error", err)
		return err
	}
	h.logger.InfowCtx(ctx, "Rules reloaded after config update", "action", event.Action)
	return nil
}

func (h *Handler) invalidate(ctx context.Context, event models.ConfigUpdateEvent) error {
	if h.invalidator == nil {
		return nil
	}

	var dates []string
	if raw, ok := event.Metadata["dates"].([]interface{}); ok {
		for _, d := range raw {
			if s, ok := d.(string); ok && s != "" {
				dates = append(dates, s)
			}
		}
	}

	if err := h.invalidator.Invalidate(ctx, dates...); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to invalidate roster cache", "error", err, "dates", dates)
		return err
	}
	return nil
}

// attribute reads key from the envelope attributes, falling back to the
// payload.
func attribute(envelope models.MessageEnvelope, key string) (string, bool) {
	if v, ok := envelope.Metadata.Attributes[key].(string); ok && v != "" {
		return v, true
	}
	v, ok := envelope.Payload[key].(string)
	return v, ok && v != ""
}
