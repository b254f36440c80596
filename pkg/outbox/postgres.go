package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, event_type, aggregate_id, payload, created_utc, processed_utc,
	retry_count, last_error, is_processed, locked_until`

// PostgresStore 基于 pgx 的 outbox 存储
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore 创建新的 Outbox 存储
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ClaimUnprocessed 领取一批事件
// FOR UPDATE SKIP LOCKED + locked_until 租约，多个 Dispatcher 实例不会同时拿到同一行
func (s *PostgresStore) ClaimUnprocessed(ctx context.Context, now time.Time, limit, maxRetries int, lockedUntil time.Time) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		WITH picked AS (
			SELECT id FROM outbox_events
			WHERE is_processed = FALSE
			  AND retry_count < $2
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_utc ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o SET locked_until = $4
		FROM picked WHERE o.id = picked.id
		RETURNING o.id, o.event_type, o.aggregate_id, o.payload, o.created_utc, o.processed_utc,
			o.retry_count, o.last_error, o.is_processed, o.locked_until`,
		now, maxRetries, limit, lockedUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING 不保证顺序
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedUTC.Equal(events[j].CreatedUTC) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].CreatedUTC.Before(events[j].CreatedUTC)
	})
	return events, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_events
		SET is_processed = TRUE, processed_utc = $2, locked_until = NULL
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_error = $2, locked_until = NULL
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// FailedEvents 获取超过重试上限的事件（死信视图）
func (s *PostgresStore) FailedEvents(ctx context.Context, maxRetries int) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE is_processed = FALSE AND retry_count >= $1
		ORDER BY created_utc ASC, id ASC`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE is_processed = TRUE AND processed_utc < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetRetries 运维重放：重置重试次数，让 Dispatcher 重新领取
func (s *PostgresStore) ResetRetries(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = 0, locked_until = NULL
		WHERE id = $1 AND is_processed = FALSE`, id)
	if err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ReleaseLocks 本轮跳过的事件立即放回，下一轮即可领取
func (s *PostgresStore) ReleaseLocks(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE outbox_events
		SET locked_until = NULL
		WHERE id = ANY($1) AND is_processed = FALSE`, ids); err != nil {
		return fmt.Errorf("failed to release outbox leases: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return events[0], nil
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.AggregateID, &e.Payload, &e.CreatedUTC, &e.ProcessedUTC,
			&e.RetryCount, &e.LastError, &e.IsProcessed, &e.LockedUntil,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return events, nil
}
