package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

const operationColumns = `id, project_id, direction, status, start_utc, end_utc, items_processed, error_count, details, error_message`

type operationRepo struct {
	s *store
}

func (r *operationRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncOperation, error) {
	op, err := scanOperation(r.s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id))
	if err != nil {
		return nil, mapError(err, "get sync operation")
	}
	return op, nil
}

// Save 插入或更新运行记录；同一项目第二条 InProgress 记录会被唯一索引拒绝
func (r *operationRepo) Save(ctx context.Context, op *model.SyncOperation) error {
	err := r.s.saveAggregate(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_operations (`+operationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				end_utc = excluded.end_utc,
				items_processed = excluded.items_processed,
				error_count = excluded.error_count,
				details = excluded.details,
				error_message = excluded.error_message`,
			op.ID, op.ProjectID, string(op.Direction), string(op.Status), formatTime(op.StartUTC), formatTimePtr(op.EndUTC),
			op.ItemsProcessed, op.ErrorCount, op.Details, op.ErrorMessage,
		)
		return err
	})
	if err != nil {
		return mapError(err, "save sync operation")
	}
	return nil
}

func (r *operationRepo) ListRecent(ctx context.Context, projectID uuid.UUID, limit int) ([]*model.SyncOperation, error) {
	return r.query(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE project_id = ? ORDER BY start_utc DESC, id DESC LIMIT ?`, projectID, limit)
}

func (r *operationRepo) ListByStatus(ctx context.Context, status model.OperationStatus) ([]*model.SyncOperation, error) {
	return r.query(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE status = ? ORDER BY start_utc, id`, string(status))
}

func (r *operationRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx, `
		DELETE FROM sync_operations WHERE start_utc < ? AND status <> ?`,
		formatTime(cutoff), string(model.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync operations: %w", err)
	}
	return res.RowsAffected()
}

func (r *operationRepo) query(ctx context.Context, q string, args ...any) ([]*model.SyncOperation, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync operations: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOperation(sc scanner) (*model.SyncOperation, error) {
	var (
		op                model.SyncOperation
		direction, status string
		start             string
		end               sql.NullString
	)
	if err := sc.Scan(&op.ID, &op.ProjectID, &direction, &status, &start, &end,
		&op.ItemsProcessed, &op.ErrorCount, &op.Details, &op.ErrorMessage); err != nil {
		return nil, err
	}
	op.Direction = model.Direction(direction)
	op.Status = model.OperationStatus(status)

	var err error
	if op.StartUTC, err = parseTime(start); err != nil {
		return nil, err
	}
	if op.EndUTC, err = parseTimePtr(end); err != nil {
		return nil, err
	}
	return &op, nil
}
