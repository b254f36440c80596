package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

const projectColumns = `id, name, source_id, target_project, direction, last_sync_utc, is_active, created_utc, modified_utc`

type projectRepo struct {
	s *store
}

func (r *projectRepo) Get(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, mapError(err, "get project")
	}
	return p, nil
}

func (r *projectRepo) List(ctx context.Context) ([]*model.Project, error) {
	return r.query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_utc, id`)
}

func (r *projectRepo) ListActive(ctx context.Context) ([]*model.Project, error) {
	return r.query(ctx, `SELECT `+projectColumns+` FROM projects WHERE is_active = 1 ORDER BY created_utc, id`)
}

func (r *projectRepo) query(ctx context.Context, q string, args ...any) ([]*model.Project, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *projectRepo) Save(ctx context.Context, p *model.Project) error {
	err := r.s.saveAggregate(ctx, p, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (`+projectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				source_id = excluded.source_id,
				target_project = excluded.target_project,
				direction = excluded.direction,
				last_sync_utc = excluded.last_sync_utc,
				is_active = excluded.is_active,
				modified_utc = excluded.modified_utc`,
			p.ID, p.Name, p.SourceID, p.TargetProject, string(p.Direction), formatTimePtr(p.LastSyncUTC),
			boolInt(p.IsActive), formatTime(p.CreatedUTC), formatTime(p.ModifiedUTC),
		)
		return err
	})
	if err != nil {
		r.s.logger.Sugar().Errorw("Failed to save project", "project_id", p.ID, "error", err)
		return mapError(err, "save project")
	}
	return nil
}

func (r *projectRepo) ActiveFieldMappings(ctx context.Context, projectID uuid.UUID) ([]*model.FieldMapping, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, project_id, source_field, target_field, transform_rule, is_active
		FROM field_mappings
		WHERE project_id = ? AND is_active = 1
		ORDER BY source_field, target_field`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query field mappings: %w", err)
	}
	defer rows.Close()

	var out []*model.FieldMapping
	for rows.Next() {
		m := &model.FieldMapping{}
		var active int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SourceField, &m.TargetField, &m.TransformRule, &active); err != nil {
			return nil, fmt.Errorf("failed to scan field mapping: %w", err)
		}
		m.IsActive = active == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *projectRepo) SaveFieldMapping(ctx context.Context, m *model.FieldMapping) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO field_mappings (id, project_id, source_field, target_field, transform_rule, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, source_field, target_field) DO UPDATE SET
			transform_rule = excluded.transform_rule,
			is_active = excluded.is_active`,
		m.ID, m.ProjectID, m.SourceField, m.TargetField, m.TransformRule, boolInt(m.IsActive),
	)
	return mapError(err, "save field mapping")
}

func scanProject(sc scanner) (*model.Project, error) {
	var (
		p                 model.Project
		sourceID          sql.NullInt64
		target, lastSync  sql.NullString
		direction         string
		active            int
		created, modified string
	)
	if err := sc.Scan(&p.ID, &p.Name, &sourceID, &target, &direction, &lastSync, &active, &created, &modified); err != nil {
		return nil, err
	}
	if sourceID.Valid {
		v := sourceID.Int64
		p.SourceID = &v
	}
	p.TargetProject = nullString(target)
	p.Direction = model.Direction(direction)
	p.IsActive = active == 1

	var err error
	if p.LastSyncUTC, err = parseTimePtr(lastSync); err != nil {
		return nil, err
	}
	if p.CreatedUTC, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.ModifiedUTC, err = parseTime(modified); err != nil {
		return nil, err
	}
	return &p, nil
}
