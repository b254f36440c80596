package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("outbox event not found")

// Message 是可以写入 outbox 的领域事件
type Message interface {
	EventType() string
	AggregateID() uuid.UUID
}

// Event 表示 outbox 表中的一行
type Event struct {
	ID           uuid.UUID
	EventType    string
	AggregateID  uuid.UUID
	Payload      json.RawMessage
	CreatedUTC   time.Time
	ProcessedUTC *time.Time
	RetryCount   int
	LastError    *string
	IsProcessed  bool
	LockedUntil  *time.Time
}

// NewEvent 把领域事件序列化为 outbox 行
// ID 使用 UUIDv7，按创建顺序递增，作为同一时间戳下的排序依据
func NewEvent(m Message, now time.Time) (*Event, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.EventType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate event id: %w", err)
	}
	return &Event{
		ID:          id,
		EventType:   m.EventType(),
		AggregateID: m.AggregateID(),
		Payload:     payload,
		CreatedUTC:  now.UTC(),
	}, nil
}

// NewEvents converts a batch of buffered messages, stamping them with the same time.
func NewEvents(msgs []Message, now time.Time) ([]*Event, error) {
	out := make([]*Event, 0, len(msgs))
	for _, m := range msgs {
		e, err := NewEvent(m, now)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Store 是 Dispatcher 依赖的持久化接口
// 插入由业务仓储在各自事务中完成，这里只包含 Dispatcher 和运维操作需要的方法
type Store interface {
	// ClaimUnprocessed returns up to limit unprocessed events with RetryCount < maxRetries,
	// oldest first, and leases them until lockedUntil.
	ClaimUnprocessed(ctx context.Context, now time.Time, limit, maxRetries int, lockedUntil time.Time) ([]*Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// FailedEvents is the dead-letter view: unprocessed events with RetryCount >= maxRetries.
	FailedEvents(ctx context.Context, maxRetries int) ([]*Event, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ResetRetries(ctx context.Context, id uuid.UUID) error
	// ReleaseLocks clears the lease of claimed events that were not attempted.
	ReleaseLocks(ctx context.Context, ids []uuid.UUID) error
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
}
