package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackersync/internal/model"
)

const projectColumns = `id, name, source_id, target_project, direction, last_sync_utc, is_active, created_utc, modified_utc`

type ProjectPostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewProjectRepository(db *pgxpool.Pool, logger *zap.Logger) *ProjectPostgresRepository {
	return &ProjectPostgresRepository{db: db, logger: logger}
}

func (r *ProjectPostgresRepository) Get(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	p, err := scanProject(r.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get project")
	}
	return p, nil
}

func (r *ProjectPostgresRepository) List(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_utc, id`)
	if err != nil {
		return nil, mapPgError(err, "list projects")
	}
	return collect(rows, scanProject)
}

func (r *ProjectPostgresRepository) ListActive(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.db.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE is_active ORDER BY created_utc, id`)
	if err != nil {
		return nil, mapPgError(err, "list active projects")
	}
	return collect(rows, scanProject)
}

// Save 插入或更新项目，同时写入其领域事件
func (r *ProjectPostgresRepository) Save(ctx context.Context, p *model.Project) error {
	err := saveWithEvents(ctx, r.db, p, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO projects (`+projectColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				source_id = EXCLUDED.source_id,
				target_project = EXCLUDED.target_project,
				direction = EXCLUDED.direction,
				last_sync_utc = EXCLUDED.last_sync_utc,
				is_active = EXCLUDED.is_active,
				modified_utc = EXCLUDED.modified_utc`,
			p.ID, p.Name, p.SourceID, p.TargetProject, string(p.Direction), p.LastSyncUTC,
			p.IsActive, p.CreatedUTC, p.ModifiedUTC,
		)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to save project", zap.String("project_id", p.ID.String()), zap.Error(err))
		return mapPgError(err, "save project")
	}
	return nil
}

func (r *ProjectPostgresRepository) ActiveFieldMappings(ctx context.Context, projectID uuid.UUID) ([]*model.FieldMapping, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, source_field, target_field, transform_rule, is_active
		FROM field_mappings
		WHERE project_id = $1 AND is_active
		ORDER BY source_field, target_field`, projectID)
	if err != nil {
		return nil, mapPgError(err, "list field mappings")
	}
	return collect(rows, func(row pgx.Row) (*model.FieldMapping, error) {
		m := &model.FieldMapping{}
		err := row.Scan(&m.ID, &m.ProjectID, &m.SourceField, &m.TargetField, &m.TransformRule, &m.IsActive)
		return m, err
	})
}

func (r *ProjectPostgresRepository) SaveFieldMapping(ctx context.Context, m *model.FieldMapping) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO field_mappings (id, project_id, source_field, target_field, transform_rule, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, source_field, target_field) DO UPDATE SET
			transform_rule = EXCLUDED.transform_rule,
			is_active = EXCLUDED.is_active`,
		m.ID, m.ProjectID, m.SourceField, m.TargetField, m.TransformRule, m.IsActive,
	)
	return mapPgError(err, "save field mapping")
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var direction string
	if err := row.Scan(&p.ID, &p.Name, &p.SourceID, &p.TargetProject, &direction, &p.LastSyncUTC,
		&p.IsActive, &p.CreatedUTC, &p.ModifiedUTC); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(direction)
	utc(&p.CreatedUTC, &p.ModifiedUTC)
	utcPtr(p.LastSyncUTC)
	return &p, nil
}
