package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

const workItemColumns = `id, project_id, source_id, target_id, title, description, status, priority, assignee,
	created_utc, modified_utc, last_sync_utc, source_data, target_data`

type workItemRepo struct {
	s *store
}

func (r *workItemRepo) Get(ctx context.Context, id uuid.UUID) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
}

func (r *workItemRepo) GetBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND source_id = ?`, projectID, sourceID)
}

func (r *workItemRepo) GetByTargetID(ctx context.Context, projectID uuid.UUID, targetID string) (*model.WorkItem, error) {
	return r.getOne(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND target_id = ?`, projectID, targetID)
}

func (r *workItemRepo) getOne(ctx context.Context, q string, args ...any) (*model.WorkItem, error) {
	w, err := scanWorkItem(r.s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, mapError(err, "get work item")
	}
	if err := r.loadChildren(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListPendingSync 返回从未同步或同步后又被修改的工作项
func (r *workItemRepo) ListPendingSync(ctx context.Context, projectID uuid.UUID) ([]*model.WorkItem, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE project_id = ? AND (last_sync_utc IS NULL OR modified_utc > last_sync_utc)
		ORDER BY modified_utc, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending work items: %w", err)
	}
	var items []*model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, w)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// 单连接：必须先关闭上面的游标再查子表
	for _, w := range items {
		if err := r.loadChildren(ctx, w); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *workItemRepo) CountPendingSync(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE project_id = ? AND (last_sync_utc IS NULL OR modified_utc > last_sync_utc)`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending work items: %w", err)
	}
	return n, nil
}

func (r *workItemRepo) Save(ctx context.Context, w *model.WorkItem) error {
	err := r.s.saveAggregate(ctx, w, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (`+workItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				source_id = excluded.source_id,
				target_id = excluded.target_id,
				title = excluded.title,
				description = excluded.description,
				status = excluded.status,
				priority = excluded.priority,
				assignee = excluded.assignee,
				modified_utc = excluded.modified_utc,
				last_sync_utc = excluded.last_sync_utc,
				source_data = excluded.source_data,
				target_data = excluded.target_data`,
			w.ID, w.ProjectID, w.SourceID, w.TargetID,
			w.Fields.Title, w.Fields.Description, w.Fields.Status, w.Fields.Priority, w.Fields.Assignee,
			formatTime(w.CreatedUTC), formatTime(w.ModifiedUTC), formatTimePtr(w.LastSyncUTC),
			rawOrNil(w.SourceData), rawOrNil(w.TargetData),
		)
		if err != nil {
			return err
		}
		for _, c := range w.Comments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comments (id, work_item_id, source_id, target_id, body, author, created_utc, last_sync_utc)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					source_id = excluded.source_id,
					target_id = excluded.target_id,
					body = excluded.body,
					last_sync_utc = excluded.last_sync_utc`,
				c.ID, w.ID, c.SourceID, c.TargetID, c.Body, c.Author, formatTime(c.CreatedUTC), formatTimePtr(c.LastSyncUTC),
			); err != nil {
				return fmt.Errorf("failed to save comment: %w", err)
			}
		}
		for _, a := range w.Attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, work_item_id, source_id, target_id, file_name, content_type, url, size, created_utc, last_sync_utc)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					source_id = excluded.source_id,
					target_id = excluded.target_id,
					url = excluded.url,
					last_sync_utc = excluded.last_sync_utc`,
				a.ID, w.ID, a.SourceID, a.TargetID, a.FileName, a.ContentType, a.URL, a.Size,
				formatTime(a.CreatedUTC), formatTimePtr(a.LastSyncUTC),
			); err != nil {
				return fmt.Errorf("failed to save attachment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.s.logger.Sugar().Errorw("Failed to save work item", "work_item_id", w.ID, "error", err)
		return mapError(err, "save work item")
	}
	return nil
}

func (r *workItemRepo) loadChildren(ctx context.Context, w *model.WorkItem) error {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, body, author, created_utc, last_sync_utc
		FROM comments WHERE work_item_id = ? ORDER BY created_utc, id`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to query comments: %w", err)
	}
	for rows.Next() {
		c := &model.Comment{WorkItemID: w.ID}
		var src, tgt, lastSync sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &src, &tgt, &c.Body, &c.Author, &created, &lastSync); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan comment: %w", err)
		}
		c.SourceID, c.TargetID = nullString(src), nullString(tgt)
		if c.CreatedUTC, err = parseTime(created); err != nil {
			rows.Close()
			return err
		}
		if c.LastSyncUTC, err = parseTimePtr(lastSync); err != nil {
			rows.Close()
			return err
		}
		w.Comments = append(w.Comments, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	rows, err = r.s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, file_name, content_type, url, size, created_utc, last_sync_utc
		FROM attachments WHERE work_item_id = ? ORDER BY created_utc, id`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a := &model.Attachment{WorkItemID: w.ID}
		var src, tgt, lastSync sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &src, &tgt, &a.FileName, &a.ContentType, &a.URL, &a.Size, &created, &lastSync); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.SourceID, a.TargetID = nullString(src), nullString(tgt)
		if a.CreatedUTC, err = parseTime(created); err != nil {
			return err
		}
		if a.LastSyncUTC, err = parseTimePtr(lastSync); err != nil {
			return err
		}
		w.Attachments = append(w.Attachments, a)
	}
	return rows.Err()
}

func scanWorkItem(sc scanner) (*model.WorkItem, error) {
	var (
		w                  model.WorkItem
		src, tgt, lastSync sql.NullString
		srcData, tgtData   sql.NullString
		created, modified  string
	)
	if err := sc.Scan(&w.ID, &w.ProjectID, &src, &tgt,
		&w.Fields.Title, &w.Fields.Description, &w.Fields.Status, &w.Fields.Priority, &w.Fields.Assignee,
		&created, &modified, &lastSync, &srcData, &tgtData); err != nil {
		return nil, err
	}
	w.SourceID, w.TargetID = nullString(src), nullString(tgt)
	if srcData.Valid {
		w.SourceData = []byte(srcData.String)
	}
	if tgtData.Valid {
		w.TargetData = []byte(tgtData.String)
	}

	var err error
	if w.CreatedUTC, err = parseTime(created); err != nil {
		return nil, err
	}
	if w.ModifiedUTC, err = parseTime(modified); err != nil {
		return nil, err
	}
	if w.LastSyncUTC, err = parseTimePtr(lastSync); err != nil {
		return nil, err
	}
	return &w, nil
}
