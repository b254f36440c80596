package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackersync/internal/model"
)

const workItemColumns = `id, project_id, source_id, target_id, title, description, status, priority, assignee,
	created_utc, modified_utc, last_sync_utc, source_data, target_data`

const pendingSyncPredicate = `(last_sync_utc IS NULL OR modified_utc > last_sync_utc)`

type WorkItemPostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewWorkItemRepository(db *pgxpool.Pool, logger *zap.Logger) *WorkItemPostgresRepository {
	return &WorkItemPostgresRepository{db: db, logger: logger}
}

func (r *WorkItemPostgresRepository) Get(ctx context.Context, id uuid.UUID) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
}

func (r *WorkItemPostgresRepository) GetBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id = $1 AND source_id = $2`, projectID, sourceID)
}

func (r *WorkItemPostgresRepository) GetByTargetID(ctx context.Context, projectID uuid.UUID, targetID string) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id = $1 AND target_id = $2`, projectID, targetID)
}

func (r *WorkItemPostgresRepository) getOne(ctx context.Context, q string, args ...any) (*model.WorkItem, error) {
	w, err := scanWorkItem(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, mapPgError(err, "get work item")
	}
	if err := r.loadChildren(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WorkItemPostgresRepository) ListPendingSync(ctx context.Context, projectID uuid.UUID) ([]*model.WorkItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE project_id = $1 AND `+pendingSyncPredicate+`
		ORDER BY modified_utc, id`, projectID)
	if err != nil {
		return nil, mapPgError(err, "list pending work items")
	}
	items, err := collect(rows, scanWorkItem)
	if err != nil {
		return nil, err
	}
	for _, w := range items {
		if err := r.loadChildren(ctx, w); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *WorkItemPostgresRepository) CountPendingSync(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items WHERE project_id = $1 AND `+pendingSyncPredicate, projectID).Scan(&n)
	if err != nil {
		return 0, mapPgError(err, "count pending work items")
	}
	return n, nil
}

// Save 写入工作项及其评论、附件
func (r *WorkItemPostgresRepository) Save(ctx context.Context, w *model.WorkItem) error {
	err := saveWithEvents(ctx, r.db, w, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO work_items (`+workItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				target_id = EXCLUDED.target_id,
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				status = EXCLUDED.status,
				priority = EXCLUDED.priority,
				assignee = EXCLUDED.assignee,
				modified_utc = EXCLUDED.modified_utc,
				last_sync_utc = EXCLUDED.last_sync_utc,
				source_data = EXCLUDED.source_data,
				target_data = EXCLUDED.target_data`,
			w.ID, w.ProjectID, w.SourceID, w.TargetID,
			w.Fields.Title, w.Fields.Description, w.Fields.Status, w.Fields.Priority, w.Fields.Assignee,
			w.CreatedUTC, w.ModifiedUTC, w.LastSyncUTC, jsonOrNil(w.SourceData), jsonOrNil(w.TargetData),
		)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, c := range w.Comments {
			batch.Queue(`
				INSERT INTO comments (id, work_item_id, source_id, target_id, body, author, created_utc, last_sync_utc)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					source_id = EXCLUDED.source_id,
					target_id = EXCLUDED.target_id,
					body = EXCLUDED.body,
					last_sync_utc = EXCLUDED.last_sync_utc`,
				c.ID, w.ID, c.SourceID, c.TargetID, c.Body, c.Author, c.CreatedUTC, c.LastSyncUTC)
		}
		for _, a := range w.Attachments {
			batch.Queue(`
				INSERT INTO attachments (id, work_item_id, source_id, target_id, file_name, content_type, url, size, created_utc, last_sync_utc)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (id) DO UPDATE SET
					source_id = EXCLUDED.source_id,
					target_id = EXCLUDED.target_id,
					url = EXCLUDED.url,
					last_sync_utc = EXCLUDED.last_sync_utc`,
				a.ID, w.ID, a.SourceID, a.TargetID, a.FileName, a.ContentType, a.URL, a.Size, a.CreatedUTC, a.LastSyncUTC)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save comments/attachments: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save work item", zap.String("work_item_id", w.ID.String()), zap.Error(err))
		return mapPgError(err, "save work item")
	}
	return nil
}

func (r *WorkItemPostgresRepository) loadChildren(ctx context.Context, w *model.WorkItem) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, work_item_id, source_id, target_id, body, author, created_utc, last_sync_utc
		FROM comments WHERE work_item_id = $1 ORDER BY created_utc, id`, w.ID)
	if err != nil {
		return mapPgError(err, "load comments")
	}
	w.Comments, err = collect(rows, func(row pgx.Row) (*model.Comment, error) {
		c := &model.Comment{}
		if err := row.Scan(&c.ID, &c.WorkItemID, &c.SourceID, &c.TargetID, &c.Body, &c.Author, &c.CreatedUTC, &c.LastSyncUTC); err != nil {
			return nil, err
		}
		utc(&c.CreatedUTC)
		utcPtr(c.LastSyncUTC)
		return c, nil
	})
	if err != nil {
		return mapPgError(err, "load comments")
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, work_item_id, source_id, target_id, file_name, content_type, url, size, created_utc, last_sync_utc
		FROM attachments WHERE work_item_id = $1 ORDER BY created_utc, id`, w.ID)
	if err != nil {
		return mapPgError(err, "load attachments")
	}
	w.Attachments, err = collect(rows, func(row pgx.Row) (*model.Attachment, error) {
		a := &model.Attachment{}
		if err := row.Scan(&a.ID, &a.WorkItemID, &a.SourceID, &a.TargetID, &a.FileName, &a.ContentType,
			&a.URL, &a.Size, &a.CreatedUTC, &a.LastSyncUTC); err != nil {
			return nil, err
		}
		utc(&a.CreatedUTC)
		utcPtr(a.LastSyncUTC)
		return a, nil
	})
	return mapPgError(err, "load attachments")
}

func scanWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var w model.WorkItem
	if err := row.Scan(&w.ID, &w.ProjectID, &w.SourceID, &w.TargetID,
		&w.Fields.Title, &w.Fields.Description, &w.Fields.Status, &w.Fields.Priority, &w.Fields.Assignee,
		&w.CreatedUTC, &w.ModifiedUTC, &w.LastSyncUTC, &w.SourceData, &w.TargetData); err != nil {
		return nil, err
	}
	utc(&w.CreatedUTC, &w.ModifiedUTC)
	utcPtr(w.LastSyncUTC)
	return &w, nil
}
