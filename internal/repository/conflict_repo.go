package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackersync/internal/model"
)

const conflictColumns = `id, work_item_id, project_id, conflict_type, source_data, target_data, description,
	is_resolved, resolution, resolved_by, created_utc, resolved_utc`

type ConflictPostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewConflictRepository(db *pgxpool.Pool, logger *zap.Logger) *ConflictPostgresRepository {
	return &ConflictPostgresRepository{db: db, logger: logger}
}

func (r *ConflictPostgresRepository) Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	c, err := scanConflict(r.db.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get conflict")
	}
	return c, nil
}

func (r *ConflictPostgresRepository) Create(ctx context.Context, c *model.SyncConflict) error {
	err := saveWithEvents(ctx, r.db, c, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_conflicts (`+conflictColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			c.ID, c.WorkItemID, c.ProjectID, string(c.Type), jsonOrNil(c.SourceData), jsonOrNil(c.TargetData),
			c.Description, c.IsResolved, c.Resolution, c.ResolvedBy, c.CreatedUTC, c.ResolvedUTC,
		)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to create conflict", zap.String("work_item_id", c.WorkItemID.String()), zap.Error(err))
		return mapPgError(err, "create conflict")
	}
	return nil
}

// MarkResolved 条件更新：只有未解决的行才会被写入
func (r *ConflictPostgresRepository) MarkResolved(ctx context.Context, c *model.SyncConflict) error {
	err := saveWithEvents(ctx, r.db, c, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sync_conflicts
			SET is_resolved = TRUE, resolution = $2, resolved_by = $3, resolved_utc = $4
			WHERE id = $1 AND NOT is_resolved`,
			c.ID, c.Resolution, c.ResolvedBy, c.ResolvedUTC,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_conflicts WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return model.ErrAlreadyResolved
	})
	return mapPgError(err, "resolve conflict")
}

func (r *ConflictPostgresRepository) ListUnresolved(ctx context.Context) ([]*model.SyncConflict, error) {
	rows, err := r.db.Query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE NOT is_resolved ORDER BY created_utc, id`)
	if err != nil {
		return nil, mapPgError(err, "list conflicts")
	}
	return collect(rows, scanConflict)
}

func (r *ConflictPostgresRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*model.SyncConflict, error) {
	rows, err := r.db.Query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE project_id = $1 ORDER BY created_utc, id`, projectID)
	if err != nil {
		return nil, mapPgError(err, "list conflicts")
	}
	return collect(rows, scanConflict)
}

func (r *ConflictPostgresRepository) CountUnresolved(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE project_id = $1 AND NOT is_resolved`, projectID).Scan(&n)
	if err != nil {
		return 0, mapPgError(err, "count conflicts")
	}
	return n, nil
}

func (r *ConflictPostgresRepository) CountUnresolvedForWorkItem(ctx context.Context, workItemID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE work_item_id = $1 AND NOT is_resolved`, workItemID).Scan(&n)
	if err != nil {
		return 0, mapPgError(err, "count conflicts")
	}
	return n, nil
}

func scanConflict(row pgx.Row) (*model.SyncConflict, error) {
	var c model.SyncConflict
	var conflictType string
	if err := row.Scan(&c.ID, &c.WorkItemID, &c.ProjectID, &conflictType, &c.SourceData, &c.TargetData,
		&c.Description, &c.IsResolved, &c.Resolution, &c.ResolvedBy, &c.CreatedUTC, &c.ResolvedUTC); err != nil {
		return nil, err
	}
	c.Type = model.ConflictType(conflictType)
	utc(&c.CreatedUTC)
	utcPtr(c.ResolvedUTC)
	return &c, nil
}
