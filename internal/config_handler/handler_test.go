package config_handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/logger"
	"dutyassign/pkg/models"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) ReloadRules(context.Context, ...bool) error {
	f.calls++
	return f.err
}

type fakeInvalidator struct {
	calls [][]string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, dates ...string) error {
	f.calls = append(f.calls, dates)
	return nil
}

func envelope(eventType, serviceType string, metadata map[string]interface{}) models.MessageEnvelope {
	payload := map[string]interface{}{
		"event_type":   eventType,
		"service_type": serviceType,
		"action":       models.ActionUpdate,
		"rule_id":      "7",
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return *models.NewMessageEnvelopeBuilder().
		WithID("evt-1").
		WithSource("management-service").
		WithPayload(payload).
		WithAttribute("event_type", eventType).
		WithAttribute("service_type", serviceType).
		Build()
}

func TestHandleConfigUpdateEvent(t *testing.T) {
	tests := []struct {
		name        string
		msg         models.MessageEnvelope
		reloads     int
		invalidated [][]string
	}{
		{
			name:    "rule update reloads",
			msg:     envelope(models.EventTypeRuleUpdated, models.ServiceTypeAssignment, nil),
			reloads: 1,
		},
		{
			name:        "roster update invalidates the listed dates",
			msg:         envelope(models.EventTypeRosterUpdated, models.ServiceTypeAssignment, map[string]interface{}{"dates": []interface{}{"2025-03-10", "2025-03-11"}}),
			invalidated: [][]string{{"2025-03-10", "2025-03-11"}},
		},
		{
			name:        "roster update without dates drops everything",
			msg:         envelope(models.EventTypeRosterUpdated, models.ServiceTypeAssignment, nil),
			invalidated: [][]string{nil},
		},
		{
			name: "other service is ignored",
			msg:  envelope(models.EventTypeRuleUpdated, "billing", nil),
		},
		{
			name: "unknown event is ignored",
			msg:  envelope("something_else", models.ServiceTypeAssignment, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reloader := &fakeReloader{}
			invalidator := &fakeInvalidator{}
			h := NewHandler(models.ServiceTypeAssignment, logger.NopLogger()).
				WithReloader(reloader).
				WithInvalidator(invalidator)

			require.NoError(t, h.HandleConfigUpdateEvent(context.Background(), tt.msg))
			assert.Equal(t, tt.reloads, reloader.calls)
			assert.Equal(t, tt.invalidated, invalidator.calls)
		})
	}
}

func TestHandleConfigUpdateEventFallsBackToPayload(t *testing.T) {
	reloader := &fakeReloader{}
	h := NewHandler(models.ServiceTypeAssignment, logger.NopLogger()).WithReloader(reloader)

	msg := *models.NewMessageEnvelopeBuilder().
		WithID("evt-2").
		WithSource("management-service").
		WithPayload(map[string]interface{}{
			"event_type":   models.EventTypeRuleUpdated,
			"service_type": models.ServiceTypeAssignment,
		}).
		Build()

	require.NoError(t, h.HandleConfigUpdateEvent(context.Background(), msg))
	assert.Equal(t, 1, reloader.calls)
}

func TestHandleConfigUpdateEventReturnsReloadError(t *testing.T) {
	reloader := &fakeReloader{err: errors.New("db down")}
	h := NewHandler(models.ServiceTypeAssignment, logger.NopLogger()).WithReloader(reloader)

	err := h.HandleConfigUpdateEvent(context.Background(), envelope(models.EventTypeRuleUpdated, models.ServiceTypeAssignment, nil))
	assert.Error(t, err)
}
