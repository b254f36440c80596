package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/tracker"
	"trackersync/pkg/metrics"
)

// detail 里最多保留的错误条数
const maxErrorDetails = 10

// syncRun 一次同步运行的状态，只在运行 goroutine 内使用
type syncRun struct {
	o         *Orchestrator
	project   *model.Project
	op        *model.SyncOperation
	direction model.Direction
	mappings  []*model.FieldMapping
	log       *zap.Logger

	handled   map[uuid.UUID]bool
	processed int
	errors    int
	details   []string
}

func newSyncRun(o *Orchestrator, p *model.Project, op *model.SyncOperation, log *zap.Logger) *syncRun {
	return &syncRun{
		o:         o,
		project:   p,
		op:        op,
		direction: op.Direction,
		log:       log,
		handled:   make(map[uuid.UUID]bool),
	}
}

func (r *syncRun) execute(ctx context.Context) error {
	mappings, err := r.o.engine.Mappings(ctx, r.project.ID)
	if err != nil {
		return fmt.Errorf("load field mappings: %w", err)
	}
	r.mappings = mappings

	if r.direction.IncludesFromSource() && r.project.HasSource() {
		r.log.Info("Pulling changes from source", zap.String("container", r.project.SourceContainer()))
		if err := r.pullSource(ctx); err != nil {
			return err
		}
	}
	if r.direction.IncludesToSource() && r.project.HasTarget() {
		r.log.Info("Pulling changes from target", zap.String("container", r.project.TargetContainer()))
		if err := r.pullTarget(ctx); err != nil {
			return err
		}
	}
	return r.pushPending(ctx)
}

func (r *syncRun) summary() string {
	if r.errors == 0 {
		return fmt.Sprintf("Successfully synced %d items", r.processed)
	}
	return fmt.Sprintf("Synced %d items with %d errors: %s", r.processed, r.errors, strings.Join(r.details, "; "))
}

// itemFailed 运行已取消时返回 ctx.Err()，取消不计为条目错误
func (r *syncRun) itemFailed(ctx context.Context, what string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	r.recordError(what, err)
	return nil
}

func (r *syncRun) recordError(what string, err error) {
	r.errors++
	if len(r.details) < maxErrorDetails {
		r.details = append(r.details, fmt.Sprintf("%s: %v", what, err))
	}
	metrics.AddSyncItems("error", 1)
	r.log.Warn("Sync item failed", zap.String("item", what), zap.String("kind", tracker.KindOf(err).String()), zap.Error(err))
}

func (r *syncRun) pullSource(ctx context.Context) error {
	items, err := r.o.source.ListChangedSince(ctx, r.project.SourceContainer(), r.project.LastSyncUTC)
	if err != nil {
		return r.itemFailed(ctx, "list source items", err)
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.syncSourceItem(ctx, it); err != nil {
			if cerr := r.itemFailed(ctx, "source item "+it.ID, err); cerr != nil {
				return cerr
			}
		}
	}
	return ctx.Err()
}

func (r *syncRun) pullTarget(ctx context.Context) error {
	items, err := r.o.target.ListChangedSince(ctx, r.project.TargetContainer(), r.project.LastSyncUTC)
	if err != nil {
		return r.itemFailed(ctx, "list target items", err)
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.syncTargetItem(ctx, it); err != nil {
			if cerr := r.itemFailed(ctx, "target item "+it.ID, err); cerr != nil {
				return cerr
			}
		}
	}
	return ctx.Err()
}

// syncSourceItem source -> local -> target
func (r *syncRun) syncSourceItem(ctx context.Context, sItem *tracker.Item) error {
	now := r.o.now()
	local, err := r.o.store.WorkItems.GetBySourceID(ctx, r.project.ID, sItem.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		local = model.NewWorkItem(r.project.ID, SourceFields(sItem), now)
		local.LinkSource(sItem.ID, now)
	case err != nil:
		return err
	case r.handled[local.ID]:
		return nil
	}
	r.handled[local.ID] = true
	r.processed++

	if blocked, err := r.blocked(ctx, local); err != nil || blocked {
		local.RecordSourceSnapshot(sItem.Raw())
		return r.firstErr(err, r.save(ctx, local))
	}

	if local.TargetID == nil || !r.project.HasTarget() {
		local.ApplySource(SourceFields(sItem), sItem.Raw(), now)
		if r.project.HasTarget() {
			if err := r.createInTarget(ctx, local, sItem); err != nil {
				return err
			}
		}
		return r.complete(ctx, local)
	}

	tItem, err := r.o.target.GetItem(ctx, r.project.TargetContainer(), *local.TargetID)
	if err != nil && !tracker.IsNotFound(err) {
		return err
	}
	return r.settle(ctx, local, sItem, tItem)
}

// syncTargetItem target -> local -> source
func (r *syncRun) syncTargetItem(ctx context.Context, tItem *tracker.Item) error {
	now := r.o.now()
	local, err := r.o.store.WorkItems.GetByTargetID(ctx, r.project.ID, tItem.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		local = model.NewWorkItem(r.project.ID, TargetFields(tItem, r.mappings, model.Fields{}), now)
		local.LinkTarget(tItem.ID, now)
	case err != nil:
		return err
	case r.handled[local.ID]:
		return nil
	}
	r.handled[local.ID] = true
	r.processed++

	if blocked, err := r.blocked(ctx, local); err != nil || blocked {
		local.RecordTargetSnapshot(tItem.Raw())
		return r.firstErr(err, r.save(ctx, local))
	}

	if local.SourceID == nil || !r.project.HasSource() {
		local.ApplyTarget(TargetFields(tItem, r.mappings, local.Fields), tItem.Raw(), now)
		if r.project.HasSource() {
			if err := r.createInSource(ctx, local); err != nil {
				return err
			}
		}
		return r.complete(ctx, local)
	}

	sItem, err := r.o.source.GetItem(ctx, r.project.SourceContainer(), *local.SourceID)
	if err != nil && !tracker.IsNotFound(err) {
		return err
	}
	return r.settle(ctx, local, sItem, tItem)
}

// settle 两端都已关联：检测冲突，自动解决或记录冲突
func (r *syncRun) settle(ctx context.Context, local *model.WorkItem, sItem, tItem *tracker.Item) error {
	now := r.o.now()
	if sItem != nil {
		local.RecordSourceSnapshot(sItem.Raw())
	}
	if tItem != nil {
		local.RecordTargetSnapshot(tItem.Raw())
	}

	det := Detect(local, r.mappings, sItem, tItem)
	switch {
	case !det.HasConflict:
		local.Edit(SourceFields(sItem), now)
		return r.complete(ctx, local)

	case !IsBlocking(det):
		if r.winner(det.Winner) == SideSource {
			local.Edit(SourceFields(sItem), now)
			if err := r.updateTarget(ctx, local, sItem); err != nil {
				return err
			}
		} else {
			local.Edit(TargetFields(tItem, r.mappings, local.Fields), now)
			if err := r.updateSource(ctx, local); err != nil {
				return err
			}
		}
		metrics.AddSyncItems("auto_resolved", 1)
		r.log.Info("Conflict auto-resolved",
			zap.String("work_item_id", local.ID.String()),
			zap.String("winner", string(r.winner(det.Winner))),
			zap.String("description", det.Description),
		)
		return r.complete(ctx, local)
	}

	if err := r.save(ctx, local); err != nil {
		return err
	}
	if _, err := r.o.engine.CreateConflict(ctx, local, det.Type, sItem.Raw(), tItem.Raw(), det.Description); err != nil {
		return err
	}
	metrics.AddSyncItems("conflict", 1)
	if det.Type == model.ConflictValidationError {
		return fmt.Errorf("%w: %s", model.ErrValidation, det.Description)
	}
	return nil
}

// winner 单向同步时权威方固定获胜
func (r *syncRun) winner(detected Side) Side {
	switch {
	case r.direction.IncludesFromSource() && r.direction.IncludesToSource():
		return detected
	case r.direction.IncludesToSource():
		return SideTarget
	}
	return SideSource
}

func (r *syncRun) pushPending(ctx context.Context) error {
	pending, err := r.o.store.WorkItems.ListPendingSync(ctx, r.project.ID)
	if err != nil {
		return r.itemFailed(ctx, "list pending items", err)
	}
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.handled[w.ID] {
			continue
		}
		blocked, err := r.blocked(ctx, w)
		if err != nil {
			if cerr := r.itemFailed(ctx, "pending item "+w.ID.String(), err); cerr != nil {
				return cerr
			}
			continue
		}
		if blocked {
			continue
		}
		r.handled[w.ID] = true
		r.processed++
		if err := r.pushItem(ctx, w); err != nil {
			if cerr := r.itemFailed(ctx, "pending item "+w.ID.String(), err); cerr != nil {
				return cerr
			}
		}
	}
	return ctx.Err()
}

// pushItem 把本地修改推送到方向允许的远程
func (r *syncRun) pushItem(ctx context.Context, w *model.WorkItem) error {
	if r.direction.IncludesFromSource() && r.project.HasTarget() {
		var err error
		if w.TargetID == nil {
			err = r.createInTarget(ctx, w, nil)
		} else {
			err = r.updateTarget(ctx, w, nil)
		}
		if tracker.IsNotFound(err) {
			return r.deletedRemotely(ctx, w, model.ConflictDeletedInTarget)
		}
		if err != nil {
			return err
		}
	}
	if r.direction.IncludesToSource() && r.project.HasSource() {
		var err error
		if w.SourceID == nil {
			err = r.createInSource(ctx, w)
		} else {
			err = r.updateSource(ctx, w)
		}
		if tracker.IsNotFound(err) {
			return r.deletedRemotely(ctx, w, model.ConflictDeletedInSource)
		}
		if err != nil {
			return err
		}
	}
	return r.complete(ctx, w)
}

func (r *syncRun) deletedRemotely(ctx context.Context, w *model.WorkItem, t model.ConflictType) error {
	if err := r.save(ctx, w); err != nil {
		return err
	}
	sourceData, targetData := w.SourceData, w.TargetData
	if t == model.ConflictDeletedInTarget {
		targetData = nil
	} else {
		sourceData = nil
	}
	_, err := r.o.engine.CreateConflict(ctx, w, t, sourceData, targetData, fmt.Sprintf("remote item missing on push: %s", t))
	if err == nil {
		metrics.AddSyncItems("conflict", 1)
	}
	return err
}

func (r *syncRun) createInTarget(ctx context.Context, w *model.WorkItem, sItem *tracker.Item) error {
	payload, err := TargetPayload(w.Fields, r.mappings)
	if err != nil {
		return r.validationFailure(ctx, w, sItem, err)
	}
	created, err := r.o.target.CreateItem(ctx, r.project.TargetContainer(), payload)
	if err != nil {
		return r.firstErr(err, r.save(ctx, w))
	}
	w.LinkTarget(created.ID, r.o.now())
	w.RecordTargetSnapshot(created.Raw())
	r.log.Info("Created target item", zap.String("work_item_id", w.ID.String()), zap.String("target_id", created.ID))
	return nil
}

func (r *syncRun) updateTarget(ctx context.Context, w *model.WorkItem, sItem *tracker.Item) error {
	payload, err := TargetPayload(w.Fields, r.mappings)
	if err != nil {
		return r.validationFailure(ctx, w, sItem, err)
	}
	updated, err := r.o.target.UpdateItem(ctx, r.project.TargetContainer(), *w.TargetID, payload)
	if err != nil {
		return err
	}
	w.RecordTargetSnapshot(updated.Raw())
	return nil
}

func (r *syncRun) createInSource(ctx context.Context, w *model.WorkItem) error {
	created, err := r.o.source.CreateItem(ctx, r.project.SourceContainer(), w.Fields.Map())
	if err != nil {
		return r.firstErr(err, r.save(ctx, w))
	}
	w.LinkSource(created.ID, r.o.now())
	w.RecordSourceSnapshot(created.Raw())
	r.log.Info("Created source item", zap.String("work_item_id", w.ID.String()), zap.String("source_id", created.ID))
	return nil
}

func (r *syncRun) updateSource(ctx context.Context, w *model.WorkItem) error {
	updated, err := r.o.source.UpdateItem(ctx, r.project.SourceContainer(), *w.SourceID, w.Fields.Map())
	if err != nil {
		return err
	}
	w.RecordSourceSnapshot(updated.Raw())
	return nil
}

// validationFailure 映射失败：记录 ValidationError 冲突，并作为条目错误返回
func (r *syncRun) validationFailure(ctx context.Context, w *model.WorkItem, sItem *tracker.Item, cause error) error {
	if err := r.save(ctx, w); err != nil {
		return err
	}
	sourceData := w.SourceData
	if sItem != nil {
		sourceData = sItem.Raw()
	}
	if _, err := r.o.engine.CreateConflict(ctx, w, model.ConflictValidationError, sourceData, w.TargetData, cause.Error()); err != nil {
		return err
	}
	return cause
}

// complete 镜像评论、标记已同步并保存
func (r *syncRun) complete(ctx context.Context, w *model.WorkItem) error {
	mirrorErr := r.mirrorComments(ctx, w)
	w.MarkSynced(r.direction, r.o.now())
	if err := r.save(ctx, w); err != nil {
		return err
	}
	if mirrorErr == nil {
		metrics.AddSyncItems("synced", 1)
	}
	return mirrorErr
}

func (r *syncRun) save(ctx context.Context, w *model.WorkItem) error {
	return r.o.store.WorkItems.Save(ctx, w)
}

// blocked 有未解决冲突的条目等待人工处理，不再自动同步
func (r *syncRun) blocked(ctx context.Context, w *model.WorkItem) (bool, error) {
	return r.o.engine.HasUnresolved(ctx, w.ID)
}

func (r *syncRun) firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
