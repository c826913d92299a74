package management

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/pkg/models"
)

func TestConfigEventProducer_PublishRuleEvent(t *testing.T) {
	producer := &fakeProducer{}
	p := NewConfigEventProducer(producer, "config")

	require.NoError(t, p.PublishRuleEvent(context.Background(), models.ActionDelete, 12, "carol"))
	require.Len(t, producer.published, 1)

	msg := producer.published[0]
	assert.Equal(t, "config", producer.topics[0])
	assert.Equal(t, "management-service", msg.Source)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.EventTypeRuleUpdated, msg.Metadata.Attributes["event_type"])
	assert.Equal(t, models.ServiceTypeAssignment, msg.Metadata.Attributes["service_type"])
	assert.Equal(t, "12", msg.Payload["rule_id"])
	assert.Equal(t, "carol", msg.Payload["changed_by"])
}

func TestConfigEventProducer_Invalidate(t *testing.T) {
	producer := &fakeProducer{}
	p := NewConfigEventProducer(producer, "config")
	ctx := WithChangedBy(context.Background(), "dan")

	require.NoError(t, p.Invalidate(ctx, "2024-03-04", "2024-03-05"))
	require.NoError(t, p.Invalidate(ctx))
	require.Len(t, producer.published, 2)

	withDates := producer.published[0]
	assert.Equal(t, models.EventTypeRosterUpdated, withDates.Payload["event_type"])
	assert.Equal(t, "dan", withDates.Payload["changed_by"])
	metadata, ok := withDates.Payload["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"2024-03-04", "2024-03-05"}, metadata["dates"])

	_, hasMetadata := producer.published[1].Payload["metadata"]
	assert.False(t, hasMetadata)
}

func TestConfigEventProducer_Disabled(t *testing.T) {
	var nilProducer *ConfigEventProducer
	assert.NoError(t, nilProducer.PublishRuleEvent(context.Background(), models.ActionCreate, 1, ""))

	producer := &fakeProducer{}
	noTopic := NewConfigEventProducer(producer, "")
	assert.NoError(t, noTopic.Invalidate(context.Background()))
	assert.NoError(t, NewConfigEventProducer(nil, "config").Invalidate(context.Background()))
	assert.Empty(t, producer.published)
}
