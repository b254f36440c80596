package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trackersync/pkg/outbox"
)

const eventColumns = `id, event_type, aggregate_id, payload, created_utc, processed_utc,
	retry_count, last_error, is_processed, locked_until`

// outboxStore 实现 outbox.Store；单写连接下领取在一个事务里完成
type outboxStore struct {
	s *store
}

func (o *outboxStore) ClaimUnprocessed(ctx context.Context, now time.Time, limit, maxRetries int, lockedUntil time.Time) ([]*outbox.Event, error) {
	var events []*outbox.Event
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM outbox_events
			WHERE is_processed = 0
			  AND retry_count < ?
			  AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY created_utc ASC, id ASC
			LIMIT ?`, maxRetries, formatTime(now), limit)
		if err != nil {
			return err
		}
		events, err = scanEvents(rows)
		if err != nil {
			return err
		}
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET locked_until = ? WHERE id = ?`,
				formatTime(lockedUntil), e.ID); err != nil {
				return err
			}
			until := lockedUntil.UTC()
			e.LockedUntil = &until
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	return events, nil
}

func (o *outboxStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return o.exec(ctx, "mark event processed", `
		UPDATE outbox_events SET is_processed = 1, processed_utc = ?, locked_until = NULL
		WHERE id = ?`, formatTime(at), id)
}

func (o *outboxStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return o.exec(ctx, "mark event failed", `
		UPDATE outbox_events SET retry_count = retry_count + 1, last_error = ?, locked_until = NULL
		WHERE id = ?`, reason, id)
}

func (o *outboxStore) ResetRetries(ctx context.Context, id uuid.UUID) error {
	return o.exec(ctx, "reset event", `
		UPDATE outbox_events SET retry_count = 0, locked_until = NULL
		WHERE id = ? AND is_processed = 0`, id)
}

func (o *outboxStore) ReleaseLocks(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET locked_until = NULL
				WHERE id = ? AND is_processed = 0`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release outbox leases: %w", err)
	}
	return nil
}

func (o *outboxStore) exec(ctx context.Context, what, q string, args ...any) error {
	res, err := o.s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

func (o *outboxStore) FailedEvents(ctx context.Context, maxRetries int) ([]*outbox.Event, error) {
	rows, err := o.s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE is_processed = 0 AND retry_count >= ?
		ORDER BY created_utc ASC, id ASC`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	return scanEvents(rows)
}

func (o *outboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := o.s.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE is_processed = 1 AND processed_utc < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (o *outboxStore) GetEvent(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	rows, err := o.s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, outbox.ErrEventNotFound
	}
	return events[0], nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		var (
			e                    outbox.Event
			payload, created     string
			processed, lastError sql.NullString
			lockedUntil          sql.NullString
			isProcessed          int
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &payload, &created, &processed,
			&e.RetryCount, &lastError, &isProcessed, &lockedUntil); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = []byte(payload)
		e.LastError = nullString(lastError)
		e.IsProcessed = isProcessed == 1

		var err error
		if e.CreatedUTC, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.ProcessedUTC, err = parseTimePtr(processed); err != nil {
			return nil, err
		}
		if e.LockedUntil, err = parseTimePtr(lockedUntil); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return events, nil
}

var _ outbox.Store = (*outboxStore)(nil)
