package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trackersync/internal/model"
)

// mirrorComments copies new remote comments between both sides of a linked item.
// Local comments linked on one side only are retried on every run.
func (r *syncRun) mirrorComments(ctx context.Context, w *model.WorkItem) error {
	if w.SourceID == nil || w.TargetID == nil || !r.project.HasSource() || !r.project.HasTarget() {
		return nil
	}
	now := r.o.now()

	if r.direction.IncludesFromSource() {
		remote, err := r.o.source.ListComments(ctx, r.project.SourceContainer(), *w.SourceID)
		if err != nil {
			return fmt.Errorf("list source comments: %w", err)
		}
		for _, c := range remote {
			if w.CommentBySourceID(c.ID) == nil {
				lc := w.AddComment(c.Body, c.Author, c.CreatedUTC)
				lc.LinkSource(c.ID, now)
			}
		}
	}
	if r.direction.IncludesToSource() {
		remote, err := r.o.target.ListComments(ctx, r.project.TargetContainer(), *w.TargetID)
		if err != nil {
			return fmt.Errorf("list target comments: %w", err)
		}
		for _, c := range remote {
			if w.CommentByTargetID(c.ID) == nil {
				lc := w.AddComment(c.Body, c.Author, c.CreatedUTC)
				lc.LinkTarget(c.ID, now)
			}
		}
	}

	mirrored := 0
	for _, lc := range w.Comments {
		switch {
		case lc.SourceID != nil && lc.TargetID == nil && r.direction.IncludesFromSource():
			posted, err := r.o.target.AddComment(ctx, r.project.TargetContainer(), *w.TargetID, mirrorBody(lc))
			if err != nil {
				return fmt.Errorf("mirror comment to target: %w", err)
			}
			lc.LinkTarget(posted.ID, now)
			mirrored++
		case lc.TargetID != nil && lc.SourceID == nil && r.direction.IncludesToSource():
			posted, err := r.o.source.AddComment(ctx, r.project.SourceContainer(), *w.SourceID, mirrorBody(lc))
			if err != nil {
				return fmt.Errorf("mirror comment to source: %w", err)
			}
			lc.LinkSource(posted.ID, now)
			mirrored++
		}
	}
	if mirrored > 0 {
		r.log.Debug("Mirrored comments", zap.String("work_item_id", w.ID.String()), zap.Int("count", mirrored))
	}
	return nil
}

func mirrorBody(c *model.Comment) string {
	if c.Author == "" {
		return c.Body
	}
	return fmt.Sprintf("[%s] %s", c.Author, c.Body)
}
