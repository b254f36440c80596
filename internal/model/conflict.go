package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictType 冲突分类
type ConflictType string

const (
	ConflictFieldMismatch          ConflictType = "field_mismatch"
	ConflictDeletedInSource        ConflictType = "deleted_in_source"
	ConflictDeletedInTarget        ConflictType = "deleted_in_target"
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictValidationError        ConflictType = "validation_error"
)

func ParseConflictType(s string) (ConflictType, error) {
	switch t := ConflictType(s); t {
	case ConflictFieldMismatch, ConflictDeletedInSource, ConflictDeletedInTarget,
		ConflictConcurrentModification, ConflictValidationError:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown conflict type %q", ErrValidation, s)
}

// FilterConflicts 只保留指定类型；空类型原样返回
func FilterConflicts(cs []*SyncConflict, t ConflictType) []*SyncConflict {
	if t == "" {
		return cs
	}
	out := make([]*SyncConflict, 0, len(cs))
	for _, c := range cs {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// SyncConflict 需要记录或人工处理的两端分歧
type SyncConflict struct {
	ID          uuid.UUID
	WorkItemID  uuid.UUID
	ProjectID   uuid.UUID
	Type        ConflictType
	SourceData  json.RawMessage
	TargetData  json.RawMessage
	Description string
	IsResolved  bool
	Resolution  string
	ResolvedBy  string
	CreatedUTC  time.Time
	ResolvedUTC *time.Time

	EventBuffer
}

// NewConflict 创建未解决的冲突，两端快照原样保存用于审计
func NewConflict(item *WorkItem, t ConflictType, sourceData, targetData json.RawMessage, description string, now time.Time) *SyncConflict {
	now = now.UTC()
	c := &SyncConflict{
		ID:          uuid.New(),
		WorkItemID:  item.ID,
		ProjectID:   item.ProjectID,
		Type:        t,
		SourceData:  sourceData,
		TargetData:  targetData,
		Description: description,
		CreatedUTC:  now,
	}
	c.raise(ConflictDetected{
		ConflictID:   c.ID,
		WorkItemID:   c.WorkItemID,
		ProjectID:    c.ProjectID,
		ConflictType: t,
		OccurredAt:   now,
	})
	return c
}

// Resolve flips IsResolved once. A second call fails and leaves the first resolution intact.
func (c *SyncConflict) Resolve(resolution, resolvedBy string, now time.Time) error {
	if c.IsResolved {
		return ErrAlreadyResolved
	}
	resolution = strings.TrimSpace(resolution)
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolution == "" || resolvedBy == "" {
		return fmt.Errorf("%w: resolution and resolver are required", ErrValidation)
	}
	now = now.UTC()
	c.IsResolved = true
	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	c.ResolvedUTC = &now
	c.raise(ConflictResolved{
		ConflictID: c.ID,
		WorkItemID: c.WorkItemID,
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		OccurredAt: now,
	})
	return nil
}
