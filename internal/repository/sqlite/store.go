// Package sqlite is the embedded single-file backend used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
	pkgdb "trackersync/pkg/db"
	"trackersync/pkg/outbox"
)

//go:embed schema.sql
var schema string

// 固定宽度的 UTC 文本，字典序即时间序
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open 打开（必要时创建）数据库文件并迁移
func Open(path string, logger *zap.Logger) (*repository.Store, error) {
	conn, err := pkgdb.OpenSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	st, err := New(context.Background(), conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an already opened connection and applies the schema.
func New(ctx context.Context, conn *sql.DB, logger *zap.Logger) (*repository.Store, error) {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	s := &store{db: conn, logger: logger, now: time.Now}
	return repository.NewStore(
		&projectRepo{s: s},
		&workItemRepo{s: s},
		&operationRepo{s: s},
		&conflictRepo{s: s},
		&outboxStore{s: s},
		conn.PingContext,
		func() {
			if err := conn.Close(); err != nil {
				logger.Warn("Failed to close sqlite", zap.Error(err))
			}
		},
	), nil
}

func (s *store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// saveAggregate 在同一事务中写业务行和 outbox 行，提交后清空事件缓冲
func (s *store) saveAggregate(ctx context.Context, agg model.Aggregate, write func(tx *sql.Tx) error) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := write(tx); err != nil {
			return err
		}
		events, err := outbox.NewEvents(agg.PendingEvents(), s.now())
		if err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		return err
	}
	agg.ClearEvents()
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*outbox.Event) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (id, event_type, aggregate_id, payload, created_utc)
			VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.EventType, e.AggregateID, string(e.Payload), formatTime(e.CreatedUTC),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event %s: %w", e.EventType, err)
		}
	}
	return nil
}

// mapError 把驱动错误转换为领域错误
func mapError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w: %v", what, model.ErrDuplicate, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func rawOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
