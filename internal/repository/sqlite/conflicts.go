package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

const conflictColumns = `id, work_item_id, project_id, conflict_type, source_data, target_data, description,
	is_resolved, resolution, resolved_by, created_utc, resolved_utc`

type conflictRepo struct {
	s *store
}

func (r *conflictRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	c, err := scanConflict(r.s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if err != nil {
		return nil, mapError(err, "get conflict")
	}
	return c, nil
}

func (r *conflictRepo) Create(ctx context.Context, c *model.SyncConflict) error {
	err := r.s.saveAggregate(ctx, c, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_conflicts (`+conflictColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.WorkItemID, c.ProjectID, string(c.Type), rawOrNil(c.SourceData), rawOrNil(c.TargetData),
			c.Description, boolInt(c.IsResolved), c.Resolution, c.ResolvedBy, formatTime(c.CreatedUTC), formatTimePtr(c.ResolvedUTC),
		)
		return err
	})
	return mapError(err, "create conflict")
}

// MarkResolved 条件更新，已解决的行不会被覆盖
func (r *conflictRepo) MarkResolved(ctx context.Context, c *model.SyncConflict) error {
	err := r.s.saveAggregate(ctx, c, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_conflicts
			SET is_resolved = 1, resolution = ?, resolved_by = ?, resolved_utc = ?
			WHERE id = ? AND is_resolved = 0`,
			c.Resolution, c.ResolvedBy, formatTimePtr(c.ResolvedUTC), c.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE id = ?`, c.ID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return sql.ErrNoRows
			}
			return model.ErrAlreadyResolved
		}
		return nil
	})
	return mapError(err, "resolve conflict")
}

func (r *conflictRepo) ListUnresolved(ctx context.Context) ([]*model.SyncConflict, error) {
	return r.query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE is_resolved = 0 ORDER BY created_utc, id`)
}

func (r *conflictRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*model.SyncConflict, error) {
	return r.query(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE project_id = ? ORDER BY created_utc, id`, projectID)
}

func (r *conflictRepo) CountUnresolved(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE project_id = ? AND is_resolved = 0`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

func (r *conflictRepo) CountUnresolvedForWorkItem(ctx context.Context, workItemID uuid.UUID) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE work_item_id = ? AND is_resolved = 0`, workItemID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

func (r *conflictRepo) query(ctx context.Context, q string, args ...any) ([]*model.SyncConflict, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(sc scanner) (*model.SyncConflict, error) {
	var (
		c                model.SyncConflict
		conflictType     string
		srcData, tgtData sql.NullString
		resolved         int
		created          string
		resolvedAt       sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.WorkItemID, &c.ProjectID, &conflictType, &srcData, &tgtData, &c.Description,
		&resolved, &c.Resolution, &c.ResolvedBy, &created, &resolvedAt); err != nil {
		return nil, err
	}
	c.Type = model.ConflictType(conflictType)
	c.IsResolved = resolved == 1
	if srcData.Valid {
		c.SourceData = []byte(srcData.String)
	}
	if tgtData.Valid {
		c.TargetData = []byte(tgtData.String)
	}

	var err error
	if c.CreatedUTC, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.ResolvedUTC, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
