package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
	"trackersync/internal/tracker"
	"trackersync/pkg/metrics"
)

// Side 冲突中的一方
type Side string

const (
	SideNone   Side = ""
	SideSource Side = "source"
	SideTarget Side = "target"
)

// 人工解决策略
const (
	StrategyPreferNewer  = "preferNewer"
	StrategyPreferSource = "preferSource"
	StrategyPreferTarget = "preferTarget"
)

// FieldDiff 一个映射字段两端的值（source 值已经过转换）
type FieldDiff struct {
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field"`
	SourceValue string `json:"source_value"`
	TargetValue string `json:"target_value"`
}

// Detection is the outcome of comparing one item across both systems.
type Detection struct {
	HasConflict    bool
	Type           model.ConflictType
	CanAutoResolve bool
	// Winner is set only when CanAutoResolve is true.
	Winner      Side
	Diffs       []FieldDiff
	Description string
}

// Detect classifies the difference between the source and target copies of item.
// It is pure: the same inputs always give the same Detection.
func Detect(item *model.WorkItem, mappings []*model.FieldMapping, source, target *tracker.Item) Detection {
	switch {
	case source == nil && target == nil:
		return Detection{}
	case source == nil:
		return Detection{
			HasConflict: true,
			Type:        model.ConflictDeletedInSource,
			Description: fmt.Sprintf("item deleted in source, target %s still exists", target.ID),
		}
	case target == nil:
		return Detection{
			HasConflict: true,
			Type:        model.ConflictDeletedInTarget,
			Description: fmt.Sprintf("item deleted in target, source %s still exists", source.ID),
		}
	}

	var diffs []FieldDiff
	for _, m := range activeMappings(mappings) {
		want, err := ApplyTransform(m.TransformRule, source.Fields[m.SourceField])
		if err != nil {
			return Detection{
				HasConflict: true,
				Type:        model.ConflictValidationError,
				Diffs: []FieldDiff{{
					SourceField: m.SourceField,
					TargetField: m.TargetField,
					SourceValue: source.Fields[m.SourceField],
					TargetValue: target.Fields[m.TargetField],
				}},
				Description: fmt.Sprintf("cannot map %s to %s: %v", m.SourceField, m.TargetField, err),
			}
		}
		if got := target.Fields[m.TargetField]; got != want {
			diffs = append(diffs, FieldDiff{
				SourceField: m.SourceField,
				TargetField: m.TargetField,
				SourceValue: want,
				TargetValue: got,
			})
		}
	}
	if len(diffs) == 0 {
		return Detection{}
	}

	names := make([]string, 0, len(diffs))
	for _, d := range diffs {
		names = append(names, d.SourceField)
	}

	if item != nil && item.LastSyncUTC != nil &&
		source.UpdatedUTC.After(*item.LastSyncUTC) && target.UpdatedUTC.After(*item.LastSyncUTC) {
		return Detection{
			HasConflict: true,
			Type:        model.ConflictConcurrentModification,
			Diffs:       diffs,
			Description: fmt.Sprintf("both sides changed since %s: %s",
				item.LastSyncUTC.Format(time.RFC3339), strings.Join(names, ", ")),
		}
	}

	winner := SideSource
	if target.UpdatedUTC.After(source.UpdatedUTC) {
		winner = SideTarget
	}
	return Detection{
		HasConflict:    true,
		Type:           model.ConflictFieldMismatch,
		CanAutoResolve: true,
		Winner:         winner,
		Diffs:          diffs,
		Description:    fmt.Sprintf("fields differ: %s", strings.Join(names, ", ")),
	}
}

// Resolution 人工解决建议；Snapshot 为获胜方的远程快照，为 nil 表示接受删除
type Resolution struct {
	Strategy string
	Winner   Side
	Snapshot *tracker.Item
	Summary  string
}

// GenerateResolution proposes how to settle a conflict. It has no side effects.
func GenerateResolution(c *model.SyncConflict, strategy string) (*Resolution, error) {
	source, err := tracker.ItemFromRaw(c.SourceData)
	if err != nil {
		return nil, fmt.Errorf("decode source snapshot: %w", err)
	}
	target, err := tracker.ItemFromRaw(c.TargetData)
	if err != nil {
		return nil, fmt.Errorf("decode target snapshot: %w", err)
	}

	var winner Side
	switch strategy {
	case StrategyPreferSource:
		winner = SideSource
	case StrategyPreferTarget:
		winner = SideTarget
	case StrategyPreferNewer:
		switch {
		case source == nil && target == nil:
			winner = SideSource
		case source == nil:
			winner = SideTarget
		case target == nil:
			winner = SideSource
		case target.UpdatedUTC.After(source.UpdatedUTC):
			winner = SideTarget
		default:
			winner = SideSource
		}
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownStrategy, strategy)
	}

	r := &Resolution{Strategy: strategy, Winner: winner, Snapshot: source}
	if winner == SideTarget {
		r.Snapshot = target
	}
	if r.Snapshot == nil {
		r.Summary = fmt.Sprintf("accept deletion in %s", winner)
	} else {
		r.Summary = fmt.Sprintf("keep %s values of %s (updated %s)",
			winner, r.Snapshot.ID, r.Snapshot.UpdatedUTC.Format(time.RFC3339))
	}
	return r, nil
}

// ConflictEngine detects, records and resolves conflicts against the store.
type ConflictEngine struct {
	projects  repository.ProjectRepository
	items     repository.WorkItemRepository
	conflicts repository.ConflictRepository
	now       func() time.Time
	logger    *zap.Logger
}

// NewConflictEngine 创建冲突引擎
func NewConflictEngine(store *repository.Store, logger *zap.Logger) *ConflictEngine {
	return &ConflictEngine{
		projects:  store.Projects,
		items:     store.WorkItems,
		conflicts: store.Conflicts,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock 测试时注入时钟
func (e *ConflictEngine) WithClock(now func() time.Time) *ConflictEngine {
	e.now = now
	return e
}

// Mappings returns the project's active mappings, or the core defaults when none are configured.
func (e *ConflictEngine) Mappings(ctx context.Context, projectID uuid.UUID) ([]*model.FieldMapping, error) {
	mappings, err := e.projects.ActiveFieldMappings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return model.DefaultFieldMappings(projectID), nil
	}
	return mappings, nil
}

func (e *ConflictEngine) DetectConflict(ctx context.Context, item *model.WorkItem, source, target *tracker.Item) (Detection, error) {
	mappings, err := e.Mappings(ctx, item.ProjectID)
	if err != nil {
		return Detection{}, err
	}
	return Detect(item, mappings, source, target), nil
}

// CreateConflict 持久化一条未解决冲突
func (e *ConflictEngine) CreateConflict(ctx context.Context, item *model.WorkItem, t model.ConflictType,
	sourceData, targetData json.RawMessage, description string) (*model.SyncConflict, error) {
	c := model.NewConflict(item, t, sourceData, targetData, description, e.now())
	if err := e.conflicts.Create(ctx, c); err != nil {
		return nil, err
	}
	metrics.IncrementConflict(string(t))
	e.logger.Info("Conflict recorded",
		zap.String("conflict_id", c.ID.String()),
		zap.String("work_item_id", item.ID.String()),
		zap.String("type", string(t)),
		zap.String("description", description),
	)
	return c, nil
}

// Resolve marks a conflict resolved. A second call fails with model.ErrAlreadyResolved.
func (e *ConflictEngine) Resolve(ctx context.Context, conflictID uuid.UUID, resolution, resolvedBy string) (*model.SyncConflict, error) {
	c, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if err := c.Resolve(resolution, resolvedBy, e.now()); err != nil {
		return nil, err
	}
	if err := e.conflicts.MarkResolved(ctx, c); err != nil {
		return nil, err
	}
	e.logger.Info("Conflict resolved",
		zap.String("conflict_id", c.ID.String()),
		zap.String("resolved_by", resolvedBy),
	)
	return c, nil
}

// ApplyResolution generates a resolution with strategy, writes the winning values to the local
// item so the next sync pushes them, and marks the conflict resolved.
func (e *ConflictEngine) ApplyResolution(ctx context.Context, conflictID uuid.UUID, strategy, resolvedBy string) (*model.SyncConflict, *Resolution, error) {
	c, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, nil, err
	}
	if c.IsResolved {
		return nil, nil, model.ErrAlreadyResolved
	}
	res, err := GenerateResolution(c, strategy)
	if err != nil {
		return nil, nil, err
	}

	item, err := e.items.Get(ctx, c.WorkItemID)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := e.Mappings(ctx, c.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	if res.Snapshot != nil {
		fields := SourceFields(res.Snapshot)
		if res.Winner == SideTarget {
			fields = TargetFields(res.Snapshot, mappings, item.Fields)
		}
		switch c.Type {
		case model.ConflictDeletedInTarget:
			item.UnlinkTarget(now)
		case model.ConflictDeletedInSource:
			item.UnlinkSource(now)
		}
		item.Edit(fields, now)
		item.MarkDirty(now)
		if err := e.items.Save(ctx, item); err != nil {
			return nil, nil, err
		}
	}

	resolved, err := e.Resolve(ctx, conflictID, res.Summary, resolvedBy)
	if err != nil {
		return nil, nil, err
	}
	return resolved, res, nil
}

func (e *ConflictEngine) Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	return e.conflicts.Get(ctx, id)
}

func (e *ConflictEngine) UnresolvedConflicts(ctx context.Context) ([]*model.SyncConflict, error) {
	return e.conflicts.ListUnresolved(ctx)
}

func (e *ConflictEngine) ConflictsForProject(ctx context.Context, projectID uuid.UUID) ([]*model.SyncConflict, error) {
	return e.conflicts.ListByProject(ctx, projectID)
}

// HasUnresolved reports whether the item is blocked by an open conflict.
func (e *ConflictEngine) HasUnresolved(ctx context.Context, workItemID uuid.UUID) (bool, error) {
	n, err := e.conflicts.CountUnresolvedForWorkItem(ctx, workItemID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsBlocking 冲突是否需要人工介入
func IsBlocking(d Detection) bool {
	return d.HasConflict && !d.CanAutoResolve
}
