package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"trackersync/pkg/metrics"
	"trackersync/pkg/trace"
	"trackersync/pkg/util"
)

// Message 一条投递的消息
type Message struct {
	ID         string
	RoutingKey string
	TraceID    string
	Timestamp  time.Time
	Body       json.RawMessage
}

type MessageHandler func(ctx context.Context, msg Message) error

// DeliveryCounter counts failed deliveries per key. *util.RetryCounter implements it.
type DeliveryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	durable    bool
	exchange   string
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	// 死信：失败 maxDeliveries 次后转入 DLQ；为 0 时一直重新入队
	counter       DeliveryCounter
	maxDeliveries int
}

// NewConsumer creates a consumer for a routing key pattern (topic wildcards allowed).
// 队列名为空时创建独占的临时队列
func NewConsumer(url, exchange, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	exchange = exchangeOrDefault(exchange)
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	durable := queueName != ""
	q, err := ch.QueueDeclare(
		queueName,
		durable,
		!durable,
		!durable,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", q.Name),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		durable:    durable,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// EnableDeadLetter declares the DLQ exchange and queue. A message whose handler fails
// maxDeliveries times is published to the DLQ and acked. counter may be nil, then a
// message is dead-lettered on its first failed redelivery.
func (c *Consumer) EnableDeadLetter(counter DeliveryCounter, maxDeliveries int) error {
	if err := DeclareDLQExchange(c.channel, c.exchange); err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	queueName := ""
	if c.durable {
		queueName = c.queue.Name
	}
	q, err := DeclareDLQQueue(c.channel, c.exchange, queueName, c.routingKey)
	if err != nil {
		return err
	}
	c.counter = counter
	c.maxDeliveries = maxDeliveries
	c.logger.Info("Dead lettering enabled",
		zap.String("dlq_exchange", DLQExchangeName(c.exchange)),
		zap.String("dlq_queue", q.Name),
		zap.Int("max_deliveries", maxDeliveries),
	)
	return nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. Blocks until ctx is done or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	// 最安全的消费模型：保证每条消息都会被 ack 或 nack
	for {
		var msg amqp091.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok = <-deliveries:
			if !ok {
				return nil
			}
		}
		func() {
			start := time.Now()
			defer func() {
				metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(start))
			}()

			c.logger.Debug("Received message",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Int("message_size", len(msg.Body)),
			)

			// Panic 恢复：确保即使 handler panic 也能正确处理消息
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Handler panic recovered",
						zap.String("routing_key", c.routingKey),
						zap.String("queue", c.queue.Name),
						zap.Any("panic", r),
					)
					c.settleFailure(ctx, msg, fmt.Sprintf("handler panic: %v", r))
				}
			}()

			// 执行业务处理
			m := Message{
				ID:         msg.MessageId,
				RoutingKey: msg.RoutingKey,
				Timestamp:  msg.Timestamp,
				Body:       msg.Body,
			}
			if traceID, ok := msg.Headers["trace_id"].(string); ok {
				m.TraceID = traceID
			}
			if err := c.handler(trace.WithContext(ctx, m.TraceID), m); err != nil {
				c.logger.Error("Handler error",
					zap.String("routing_key", c.routingKey),
					zap.String("queue", c.queue.Name),
					zap.Error(err),
				)
				c.settleFailure(ctx, msg, err.Error())
				return
			}
			c.resetDeliveries(ctx, msg.MessageId)

			// Handler 成功 → 确认消息
			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack message",
					zap.String("routing_key", c.routingKey),
					zap.Error(err),
				)
			} else {
				c.logger.Debug("Message processed successfully",
					zap.String("routing_key", c.routingKey),
					zap.String("queue", c.queue.Name),
				)
			}
		}()
	}
}

type failureAction int

const (
	actionRequeue failureAction = iota
	actionDeadLetter
)

func (c *Consumer) retryKey(messageID string) string {
	return util.FormatRetryKey(c.queue.Name, messageID)
}

// onFailure 决定失败的消息重新入队还是转入死信，同时返回已失败的投递次数
func (c *Consumer) onFailure(ctx context.Context, messageID string, redelivered bool) (failureAction, int64) {
	if c.maxDeliveries <= 0 {
		return actionRequeue, 0
	}
	if c.counter != nil && messageID != "" {
		n, err := c.counter.IncrementAndGet(ctx, c.retryKey(messageID))
		if err == nil {
			if n >= int64(c.maxDeliveries) {
				return actionDeadLetter, n
			}
			return actionRequeue, n
		}
		c.logger.Warn("Delivery count unavailable, falling back to redelivered flag",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
	// 无法计数时只重投一次
	if redelivered {
		return actionDeadLetter, 2
	}
	return actionRequeue, 1
}

// settleFailure 失败的消息：未到上限重新入队，到上限转入 DLQ 后 ack
func (c *Consumer) settleFailure(ctx context.Context, msg amqp091.Delivery, reason string) {
	action, deliveries := c.onFailure(ctx, msg.MessageId, msg.Redelivered)
	if action == actionDeadLetter {
		err := c.publishToDLQ(ctx, msg, reason, deliveries)
		if err == nil {
			metrics.IncrementMQDeadLettered(msg.RoutingKey, c.queue.Name)
			c.logger.Warn("Message moved to dead letter queue",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("message_id", msg.MessageId),
				zap.Int64("deliveries", deliveries),
				zap.String("error", reason),
			)
			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack dead-lettered message", zap.String("message_id", msg.MessageId), zap.Error(err))
			}
			c.resetDeliveries(ctx, msg.MessageId)
			return
		}
		c.logger.Error("Failed to publish to dead letter queue, requeueing",
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
	}

	if err := msg.Nack(false, true); err != nil {
		c.logger.Error("Failed to nack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
	}
}

func (c *Consumer) resetDeliveries(ctx context.Context, messageID string) {
	if c.counter == nil || c.maxDeliveries <= 0 || messageID == "" {
		return
	}
	if err := c.counter.Reset(ctx, c.retryKey(messageID)); err != nil {
		c.logger.Debug("Failed to reset delivery count", zap.String("message_id", messageID), zap.Error(err))
	}
}
