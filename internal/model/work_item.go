package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Fields 工作项的同步内容字段
type Fields struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Assignee    string `json:"assignee"`
}

// Map 以核心字段名为 key 输出
func (f Fields) Map() map[string]string {
	return map[string]string{
		FieldTitle:       f.Title,
		FieldDescription: f.Description,
		FieldStatus:      f.Status,
		FieldPriority:    f.Priority,
		FieldAssignee:    f.Assignee,
	}
}

// FieldsFromMap 反向转换，未知 key 忽略
func FieldsFromMap(m map[string]string) Fields {
	return Fields{
		Title:       m[FieldTitle],
		Description: m[FieldDescription],
		Status:      m[FieldStatus],
		Priority:    m[FieldPriority],
		Assignee:    m[FieldAssignee],
	}
}

// WorkItem 本地保存的工作项，两端远程 ID 都可选
type WorkItem struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	SourceID    *string
	TargetID    *string
	Fields      Fields
	CreatedUTC  time.Time
	ModifiedUTC time.Time
	LastSyncUTC *time.Time
	SourceData  json.RawMessage
	TargetData  json.RawMessage
	Comments    []*Comment
	Attachments []*Attachment

	EventBuffer
}

func NewWorkItem(projectID uuid.UUID, fields Fields, now time.Time) *WorkItem {
	now = now.UTC()
	w := &WorkItem{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Fields:      fields,
		CreatedUTC:  now,
		ModifiedUTC: now,
	}
	w.raise(WorkItemCreated{WorkItemID: w.ID, ProjectID: projectID, Title: fields.Title, OccurredAt: now})
	return w
}

// Edit 修改内容字段，只有值真正变化时才更新 ModifiedUTC
func (w *WorkItem) Edit(fields Fields, now time.Time) bool {
	if w.Fields == fields {
		return false
	}
	w.Fields = fields
	w.touch(now)
	return true
}

func (w *WorkItem) touch(now time.Time) {
	now = now.UTC()
	if now.After(w.ModifiedUTC) {
		w.ModifiedUTC = now
	}
}

func (w *WorkItem) LinkSource(id string, now time.Time) {
	w.SourceID = &id
	w.touch(now)
}

func (w *WorkItem) LinkTarget(id string, now time.Time) {
	w.TargetID = &id
	w.touch(now)
}

// ApplySource 应用来自 source 端的内容并保存快照，返回内容是否变化
func (w *WorkItem) ApplySource(fields Fields, raw json.RawMessage, now time.Time) bool {
	w.RecordSourceSnapshot(raw)
	return w.Edit(fields, now)
}

func (w *WorkItem) ApplyTarget(fields Fields, raw json.RawMessage, now time.Time) bool {
	w.RecordTargetSnapshot(raw)
	return w.Edit(fields, now)
}

// UnlinkSource 远程记录已删除时解除关联，下一次推送会重新创建
func (w *WorkItem) UnlinkSource(now time.Time) {
	w.SourceID = nil
	w.SourceData = nil
	w.touch(now)
}

func (w *WorkItem) UnlinkTarget(now time.Time) {
	w.TargetID = nil
	w.TargetData = nil
	w.touch(now)
}

// MarkDirty makes the item pending again without changing its content.
func (w *WorkItem) MarkDirty(now time.Time) {
	w.touch(now)
}

// RecordSourceSnapshot keeps the raw payload last seen in the source system.
func (w *WorkItem) RecordSourceSnapshot(raw json.RawMessage) {
	w.SourceData = raw
}

func (w *WorkItem) RecordTargetSnapshot(raw json.RawMessage) {
	w.TargetData = raw
}

// IsPendingSync: LastSyncUTC 为空，或 ModifiedUTC 晚于 LastSyncUTC
func (w *WorkItem) IsPendingSync() bool {
	return w.LastSyncUTC == nil || w.ModifiedUTC.After(*w.LastSyncUTC)
}

// MarkSynced stamps LastSyncUTC. The stamp is never earlier than ModifiedUTC so the
// item stops being pending.
func (w *WorkItem) MarkSynced(direction Direction, at time.Time) {
	at = at.UTC()
	if at.Before(w.ModifiedUTC) {
		at = w.ModifiedUTC
	}
	w.LastSyncUTC = &at
	w.raise(WorkItemSynced{WorkItemID: w.ID, ProjectID: w.ProjectID, Direction: direction, OccurredAt: at})
}

// AddComment 添加本地评论
func (w *WorkItem) AddComment(body, author string, now time.Time) *Comment {
	c := &Comment{
		ID:         uuid.New(),
		WorkItemID: w.ID,
		Body:       body,
		Author:     author,
		CreatedUTC: now.UTC(),
	}
	w.Comments = append(w.Comments, c)
	return c
}

// CommentBySourceID 按 source 端 ID 查找评论
func (w *WorkItem) CommentBySourceID(id string) *Comment {
	for _, c := range w.Comments {
		if c.SourceID != nil && *c.SourceID == id {
			return c
		}
	}
	return nil
}

func (w *WorkItem) CommentByTargetID(id string) *Comment {
	for _, c := range w.Comments {
		if c.TargetID != nil && *c.TargetID == id {
			return c
		}
	}
	return nil
}

func (w *WorkItem) AddAttachment(fileName, contentType, url string, size int64, now time.Time) *Attachment {
	a := &Attachment{
		ID:          uuid.New(),
		WorkItemID:  w.ID,
		FileName:    fileName,
		ContentType: contentType,
		URL:         url,
		Size:        size,
		CreatedUTC:  now.UTC(),
	}
	w.Attachments = append(w.Attachments, a)
	return a
}

// Comment 工作项评论，两端各自有远程 ID
type Comment struct {
	ID          uuid.UUID
	WorkItemID  uuid.UUID
	SourceID    *string
	TargetID    *string
	Body        string
	Author      string
	CreatedUTC  time.Time
	LastSyncUTC *time.Time
}

func (c *Comment) LinkSource(id string, at time.Time) {
	c.SourceID = &id
	c.markSynced(at)
}

func (c *Comment) LinkTarget(id string, at time.Time) {
	c.TargetID = &id
	c.markSynced(at)
}

func (c *Comment) markSynced(at time.Time) {
	at = at.UTC()
	c.LastSyncUTC = &at
}

// Attachment 附件元数据，内容本身留在远程系统
type Attachment struct {
	ID          uuid.UUID
	WorkItemID  uuid.UUID
	SourceID    *string
	TargetID    *string
	FileName    string
	ContentType string
	URL         string
	Size        int64
	CreatedUTC  time.Time
	LastSyncUTC *time.Time
}
