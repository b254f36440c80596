package eventhandler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trackersync/pkg/outbox"
)

const publishHandlerName = "publish"

// Publisher is satisfied by *mq.Publisher.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey, messageID string, payload any) error
}

// Deduper is satisfied by *util.Deduper.
type Deduper interface {
	Seen(ctx context.Context, handler, id string) bool
	MarkDone(ctx context.Context, handler, id string) error
}

// PublishHandler 把事件发布到 RabbitMQ，routing key 为事件类型，message id 为 outbox 事件 ID
type PublishHandler struct {
	publisher Publisher
	dedup     Deduper
	logger    *zap.Logger
}

// NewPublishHandler dedup 可以为 nil（未启用 Redis 时）
func NewPublishHandler(publisher Publisher, dedup Deduper, logger *zap.Logger) *PublishHandler {
	return &PublishHandler{publisher: publisher, dedup: dedup, logger: logger}
}

func (h *PublishHandler) Name() string { return publishHandlerName }

// Handle publishes the raw event payload. An event already published by an earlier delivery
// attempt is skipped.
func (h *PublishHandler) Handle(ctx context.Context, e *outbox.Event, _ any) error {
	id := e.ID.String()
	if h.dedup != nil && h.dedup.Seen(ctx, publishHandlerName, id) {
		h.logger.Info("Event already published, skipping",
			zap.String("event_id", id),
			zap.String("event_type", e.EventType),
		)
		return nil
	}

	if err := h.publisher.PublishWithContext(ctx, e.EventType, id, e.Payload); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventType, err)
	}

	if h.dedup != nil {
		if err := h.dedup.MarkDone(ctx, publishHandlerName, id); err != nil {
			// 标记失败时下次投递会重复发布
			h.logger.Warn("Failed to record published event", zap.String("event_id", id), zap.Error(err))
		}
	}

	h.logger.Debug("Event published",
		zap.String("event_id", id),
		zap.String("event_type", e.EventType),
	)
	return nil
}
