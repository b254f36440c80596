package model

import "github.com/google/uuid"

// 核心同步字段
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldAssignee    = "assignee"
)

// CoreFields 所有本地保存的同步字段，顺序固定
var CoreFields = []string{FieldTitle, FieldDescription, FieldStatus, FieldPriority, FieldAssignee}

// FieldMapping source 字段到 target 字段的对应关系，可带转换规则
type FieldMapping struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	SourceField   string
	TargetField   string
	TransformRule string
	IsActive      bool
}

// DefaultFieldMappings is used when a project has no active mappings configured.
func DefaultFieldMappings(projectID uuid.UUID) []*FieldMapping {
	out := make([]*FieldMapping, 0, len(CoreFields))
	for _, f := range CoreFields {
		out = append(out, &FieldMapping{ProjectID: projectID, SourceField: f, TargetField: f, IsActive: true})
	}
	return out
}
