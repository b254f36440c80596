package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer pgx.Tx 满足该接口
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// InsertInTx 在事务中插入事件到 outbox
func InsertInTx(ctx context.Context, tx Execer, events ...*Event) error {
	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (id, event_type, aggregate_id, payload, created_utc)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.EventType, e.AggregateID, e.Payload, e.CreatedUTC,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event %s: %w", e.EventType, err)
		}
	}
	return nil
}

// InsertMessagesInTx 把聚合缓冲的消息编码后写入 outbox（辅助函数）
// 没有消息时不访问数据库
func InsertMessagesInTx(ctx context.Context, tx Execer, msgs []Message, now time.Time) error {
	if len(msgs) == 0 {
		return nil
	}
	events, err := NewEvents(msgs, now)
	if err != nil {
		return err
	}
	return InsertInTx(ctx, tx, events...)
}
