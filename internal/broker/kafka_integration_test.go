//go:build integration

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/config"
	"dutyassign/internal/logger"
	"dutyassign/internal/testinfra"
	"dutyassign/pkg/models"
	"dutyassign/pkg/retry"
)

func kafkaConfig(brokers []string) config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:  brokers,
		GroupID:  "it-" + uuid.NewString(),
		DLQTopic: "deal_events_dlq",
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
		},
	}
}

func consumeOne(t *testing.T, cfg config.KafkaConfig, topic string) models.MessageEnvelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	consumer := NewKafkaConsumer(cfg, logger.NopLogger())
	got := make(chan models.MessageEnvelope, 1)
	go consumer.Consume(ctx, topic, func(_ context.Context, msg models.MessageEnvelope) error {
		select {
		case got <- msg:
		default:
		}
		return nil
	})
	defer consumer.Close()

	select {
	case msg := <-got:
		cancel()
		return msg
	case <-ctx.Done():
		t.Fatalf("no message on %s", topic)
		return models.MessageEnvelope{}
	}
}

func TestKafka_PublishConsume(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Kafka: true})
	cfg := kafkaConfig(infra.KafkaBrokers)

	producer := NewKafkaProducer(cfg, logger.NopLogger())
	defer producer.Close()

	msg := models.MessageEnvelope{
		ID:      uuid.NewString(),
		Source:  "it",
		Payload: map[string]interface{}{"deal_id": "42"},
	}
	require.NoError(t, producer.Publish(context.Background(), "deal_events", msg))

	received := consumeOne(t, cfg, "deal_events")
	assert.Equal(t, msg.ID, received.ID)
	assert.Equal(t, "42", received.Payload["deal_id"])
}

func TestKafka_FatalErrorGoesToDLQ(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Kafka: true})
	cfg := kafkaConfig(infra.KafkaBrokers)

	producer := NewKafkaProducer(cfg, logger.NopLogger())
	defer producer.Close()

	msg := models.MessageEnvelope{ID: uuid.NewString(), Source: "it"}
	require.NoError(t, producer.Publish(context.Background(), "bad_events", msg))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	consumer := NewKafkaConsumer(cfg, logger.NopLogger())
	calls := make(chan struct{}, 10)
	go consumer.Consume(ctx, "bad_events", func(context.Context, models.MessageEnvelope) error {
		calls <- struct{}{}
		return retry.NewFatalError(errors.New("malformed deal event"))
	})
	defer consumer.Close()

	dlqCfg := cfg
	dlqCfg.GroupID = "it-dlq-" + uuid.NewString()
	dead := consumeOne(t, dlqCfg, cfg.DLQTopic)

	assert.Equal(t, msg.ID, dead.ID)
	assert.Equal(t, "bad_events", dead.Metadata.Attributes["dlq_source_topic"])
	assert.Len(t, calls, 1, "fatal errors are not retried")
}
