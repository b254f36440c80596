package mq

import (
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestDLQNames(t *testing.T) {
	assert.Equal(t, "trackersync.events.dlq", DLQExchangeName(""))
	assert.Equal(t, "audit.dlq", DLQExchangeName("audit"))
	assert.Equal(t, "audit.dlq", DLQQueueName("audit", ""))
	assert.Equal(t, "conflict-alerts.dlq", DLQQueueName("audit", "conflict-alerts"))
}

func TestDeadLetterPublishingKeepsMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := amqp091.Delivery{
		ContentType: "application/json",
		MessageId:   "evt-1",
		Timestamp:   ts,
		RoutingKey:  "conflict.detected",
		Headers:     amqp091.Table{"trace_id": "abc"},
		Body:        []byte(`{"conflict_id":"1"}`),
	}

	pub := deadLetterPublishing(msg, "syncctl.watch", "invalid payload", 3)
	assert.Equal(t, "evt-1", pub.MessageId)
	assert.Equal(t, ts, pub.Timestamp)
	assert.Equal(t, msg.Body, pub.Body)
	assert.Equal(t, amqp091.Persistent, pub.DeliveryMode)
	assert.Equal(t, "abc", pub.Headers["trace_id"])
	assert.Equal(t, "invalid payload", pub.Headers["x-original-error"])
	assert.Equal(t, "syncctl.watch", pub.Headers["x-failed-at"])
	assert.EqualValues(t, 3, pub.Headers["x-delivery-count"])
	assert.NotContains(t, msg.Headers, "x-original-error")
}
