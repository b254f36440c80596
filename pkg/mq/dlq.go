package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName 死信 exchange：<events exchange>.dlq
func DLQExchangeName(exchange string) string {
	return exchangeOrDefault(exchange) + ".dlq"
}

// DLQQueueName 持久队列用 <queue>.dlq；临时队列的死信统一进 <exchange>.dlq
func DLQQueueName(exchange, queueName string) string {
	if queueName == "" {
		return DLQExchangeName(exchange)
	}
	return queueName + ".dlq"
}

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		DLQExchangeName(exchange),
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares the durable dead letter queue and binds it with the consumer's pattern.
func DeclareDLQQueue(ch *amqp091.Channel, exchange, queueName, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		DLQQueueName(exchange, queueName),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName(exchange), false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// deadLetterPublishing 原样保留消息体和 ID，附加失败原因
func deadLetterPublishing(msg amqp091.Delivery, queue, originalError string, deliveries int64) amqp091.Publishing {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-original-error"] = originalError
	headers["x-failed-at"] = queue
	headers["x-delivery-count"] = deliveries

	return amqp091.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Body,
		DeliveryMode: amqp091.Persistent,
	}
}

// publishToDLQ publishes a failed delivery to the dead letter exchange under its original routing key.
func (c *Consumer) publishToDLQ(ctx context.Context, msg amqp091.Delivery, originalError string, deliveries int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.channel.PublishWithContext(ctx,
		DLQExchangeName(c.exchange),
		msg.RoutingKey,
		false,
		false,
		deadLetterPublishing(msg, c.queue.Name, originalError, deliveries),
	)
}
