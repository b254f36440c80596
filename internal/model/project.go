package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project 同步单元：一个 source 项目与一个 target 项目的对应关系
type Project struct {
	ID            uuid.UUID
	Name          string
	SourceID      *int64
	TargetProject *string
	Direction     Direction
	LastSyncUTC   *time.Time
	IsActive      bool
	CreatedUTC    time.Time
	ModifiedUTC   time.Time

	EventBuffer
}

// NewProject 创建项目并记录 project.created 事件
func NewProject(name string, direction Direction, now time.Time) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrValidation)
	}
	if direction == "" {
		direction = DirectionBidirectional
	}
	p := &Project{
		ID:          uuid.New(),
		Name:        name,
		Direction:   direction,
		IsActive:    true,
		CreatedUTC:  now.UTC(),
		ModifiedUTC: now.UTC(),
	}
	p.raise(ProjectCreated{ProjectID: p.ID, Name: p.Name, Direction: direction, OccurredAt: now.UTC()})
	return p, nil
}

// HasSource 是否已映射到 source 系统
func (p *Project) HasSource() bool { return p.SourceID != nil }

// HasTarget 是否已映射到 target 系统
func (p *Project) HasTarget() bool { return p.TargetProject != nil && *p.TargetProject != "" }

// SourceContainer is the identifier tracker clients use for the source side.
func (p *Project) SourceContainer() string {
	if p.SourceID == nil {
		return ""
	}
	return fmt.Sprintf("%d", *p.SourceID)
}

func (p *Project) TargetContainer() string {
	if p.TargetProject == nil {
		return ""
	}
	return *p.TargetProject
}

func (p *Project) MapSource(sourceID int64, now time.Time) {
	p.SourceID = &sourceID
	p.ModifiedUTC = now.UTC()
	p.raiseMappingUpdated(now)
}

func (p *Project) MapTarget(targetProject string, now time.Time) error {
	targetProject = strings.TrimSpace(targetProject)
	if targetProject == "" {
		return fmt.Errorf("%w: target project is required", ErrValidation)
	}
	p.TargetProject = &targetProject
	p.ModifiedUTC = now.UTC()
	p.raiseMappingUpdated(now)
	return nil
}

func (p *Project) raiseMappingUpdated(now time.Time) {
	p.raise(ProjectMappingUpdated{
		ProjectID:     p.ID,
		SourceID:      p.SourceID,
		TargetProject: p.TargetProject,
		OccurredAt:    now.UTC(),
	})
}

// SetDirection 修改默认同步方向
func (p *Project) SetDirection(d Direction, now time.Time) {
	p.Direction = d
	p.ModifiedUTC = now.UTC()
}

// MarkSynced advances LastSyncUTC. Never moves it backwards.
func (p *Project) MarkSynced(at time.Time) {
	at = at.UTC()
	if p.LastSyncUTC != nil && p.LastSyncUTC.After(at) {
		return
	}
	p.LastSyncUTC = &at
}

func (p *Project) Deactivate(now time.Time) {
	if !p.IsActive {
		return
	}
	p.IsActive = false
	p.ModifiedUTC = now.UTC()
	p.raise(ProjectDeactivated{ProjectID: p.ID, OccurredAt: now.UTC()})
}

// AddFieldMapping creates a mapping owned by this project.
func (p *Project) AddFieldMapping(sourceField, targetField, transformRule string) (*FieldMapping, error) {
	sourceField = strings.TrimSpace(sourceField)
	targetField = strings.TrimSpace(targetField)
	if sourceField == "" || targetField == "" {
		return nil, fmt.Errorf("%w: source and target field are required", ErrValidation)
	}
	return &FieldMapping{
		ID:            uuid.New(),
		ProjectID:     p.ID,
		SourceField:   sourceField,
		TargetField:   targetField,
		TransformRule: strings.TrimSpace(transformRule),
		IsActive:      true,
	}, nil
}
