package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackersync/internal/model"
)

const operationColumns = `id, project_id, direction, status, start_utc, end_utc, items_processed, error_count, details, error_message`

type OperationPostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewOperationRepository(db *pgxpool.Pool, logger *zap.Logger) *OperationPostgresRepository {
	return &OperationPostgresRepository{db: db, logger: logger}
}

func (r *OperationPostgresRepository) Get(ctx context.Context, id uuid.UUID) (*model.SyncOperation, error) {
	op, err := scanOperation(r.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get sync operation")
	}
	return op, nil
}

// Save 插入或更新运行记录；ux_sync_operations_in_progress 保证每个项目最多一条 InProgress
func (r *OperationPostgresRepository) Save(ctx context.Context, op *model.SyncOperation) error {
	err := saveWithEvents(ctx, r.db, op, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_operations (`+operationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				end_utc = EXCLUDED.end_utc,
				items_processed = EXCLUDED.items_processed,
				error_count = EXCLUDED.error_count,
				details = EXCLUDED.details,
				error_message = EXCLUDED.error_message`,
			op.ID, op.ProjectID, string(op.Direction), string(op.Status), op.StartUTC, op.EndUTC,
			op.ItemsProcessed, op.ErrorCount, op.Details, op.ErrorMessage,
		)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to save sync operation", zap.String("operation_id", op.ID.String()), zap.Error(err))
		return mapPgError(err, "save sync operation")
	}
	return nil
}

func (r *OperationPostgresRepository) ListRecent(ctx context.Context, projectID uuid.UUID, limit int) ([]*model.SyncOperation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE project_id = $1 ORDER BY start_utc DESC, id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, mapPgError(err, "list sync operations")
	}
	return collect(rows, scanOperation)
}

func (r *OperationPostgresRepository) ListByStatus(ctx context.Context, status model.OperationStatus) ([]*model.SyncOperation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE status = $1 ORDER BY start_utc, id`, string(status))
	if err != nil {
		return nil, mapPgError(err, "list sync operations")
	}
	return collect(rows, scanOperation)
}

func (r *OperationPostgresRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM sync_operations WHERE start_utc < $1 AND status <> $2`,
		cutoff, string(model.StatusInProgress))
	if err != nil {
		return 0, mapPgError(err, "delete sync operations")
	}
	return tag.RowsAffected(), nil
}

func scanOperation(row pgx.Row) (*model.SyncOperation, error) {
	var op model.SyncOperation
	var direction, status string
	if err := row.Scan(&op.ID, &op.ProjectID, &direction, &status, &op.StartUTC, &op.EndUTC,
		&op.ItemsProcessed, &op.ErrorCount, &op.Details, &op.ErrorMessage); err != nil {
		return nil, err
	}
	op.Direction = model.Direction(direction)
	op.Status = model.OperationStatus(status)
	utc(&op.StartUTC)
	utcPtr(op.EndUTC)
	return &op, nil
}
