package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/pkg/outbox"
)

const pgUniqueViolation = "23505"

// NewPostgresStore 基于 pgxpool 组装所有仓储，outbox 使用 outbox.PostgresStore
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return NewStore(
		NewProjectRepository(db, logger),
		NewWorkItemRepository(db, logger),
		NewOperationRepository(db, logger),
		NewConflictRepository(db, logger),
		outbox.NewPostgresStore(db),
		db.Ping,
		db.Close,
	)
}

// saveWithEvents 业务写入和 outbox 插入在同一事务中，提交成功后才清空事件
func saveWithEvents(ctx context.Context, db *pgxpool.Pool, agg model.Aggregate, write func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if err := write(tx); err != nil {
			return err
		}
		return outbox.InsertMessagesInTx(ctx, tx, agg.PendingEvents(), time.Now())
	})
	if err != nil {
		return err
	}
	agg.ClearEvents()
	return nil
}

// mapPgError 把 pgx 错误转换为领域错误
func mapPgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w: %s", what, model.ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// collect 读取所有行，scan 负责单行
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TIMESTAMPTZ 读回来是本地时区，统一转换成 UTC
func utc(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}

func utcPtr(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

// jsonOrNil 空快照写 NULL，避免向 JSONB 写入空字节
func jsonOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var (
	_ ProjectRepository   = (*ProjectPostgresRepository)(nil)
	_ WorkItemRepository  = (*WorkItemPostgresRepository)(nil)
	_ OperationRepository = (*OperationPostgresRepository)(nil)
	_ ConflictRepository  = (*ConflictPostgresRepository)(nil)
)
