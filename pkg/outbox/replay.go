package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEventProcessed 已处理的事件不能重放
var ErrEventProcessed = errors.New("outbox event already processed")

// ReplayService 提供重放死信事件的服务
// 重放只是把重试次数清零，真正的投递仍由 Dispatcher 完成
type ReplayService struct {
	store      Store
	maxRetries int
	logger     *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(store Store, maxRetries int, logger *zap.Logger) *ReplayService {
	return &ReplayService{store: store, maxRetries: maxRetries, logger: logger}
}

// ReplayEvent 重放指定的事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID uuid.UUID) error {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}
	if event.IsProcessed {
		return ErrEventProcessed
	}
	if err := s.store.ResetRetries(ctx, eventID); err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	s.logger.Info("Outbox event scheduled for replay",
		zap.String("event_id", eventID.String()),
		zap.String("event_type", event.EventType),
		zap.Int("previous_retry_count", event.RetryCount),
	)
	return nil
}

// ReplayFailedEvents 重放所有死信事件，返回成功重置的数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context) (int, error) {
	events, err := s.store.FailedEvents(ctx, s.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			// 记录错误但继续处理其他事件
			s.logger.Warn("Failed to replay event", zap.String("event_id", event.ID.String()), zap.Error(err))
			continue
		}
		successCount++
	}
	return successCount, nil
}
