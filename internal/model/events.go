package model

import (
	"time"

	"github.com/google/uuid"

	"trackersync/pkg/outbox"
)

// 领域事件类型（同时作为 outbox 的 event_type 和 MQ 的 routing key）
const (
	EventProjectCreated        = "project.created"
	EventProjectMappingUpdated = "project.mapping_updated"
	EventProjectDeactivated    = "project.deactivated"
	EventWorkItemCreated       = "workitem.created"
	EventWorkItemSynced        = "workitem.synced"
	EventSyncStarted           = "sync.started"
	EventSyncCompleted         = "sync.completed"
	EventSyncFailed            = "sync.failed"
	EventConflictDetected      = "conflict.detected"
	EventConflictResolved      = "conflict.resolved"
)

// EventBuffer is the append-only list of events raised by one aggregate instance.
// Stores drain it in the transaction that persists the aggregate and clear it after commit.
type EventBuffer struct {
	pending []outbox.Message
}

func (b *EventBuffer) raise(m outbox.Message) {
	b.pending = append(b.pending, m)
}

// PendingEvents 返回尚未写入 outbox 的事件副本
func (b *EventBuffer) PendingEvents() []outbox.Message {
	out := make([]outbox.Message, len(b.pending))
	copy(out, b.pending)
	return out
}

// ClearEvents 事务提交后调用
func (b *EventBuffer) ClearEvents() {
	b.pending = nil
}

// Aggregate is implemented by every entity that raises domain events.
type Aggregate interface {
	PendingEvents() []outbox.Message
	ClearEvents()
}

type ProjectCreated struct {
	ProjectID  uuid.UUID `json:"project_id"`
	Name       string    `json:"name"`
	Direction  Direction `json:"direction"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ProjectCreated) EventType() string      { return EventProjectCreated }
func (e ProjectCreated) AggregateID() uuid.UUID { return e.ProjectID }

type ProjectMappingUpdated struct {
	ProjectID     uuid.UUID `json:"project_id"`
	SourceID      *int64    `json:"source_id,omitempty"`
	TargetProject *string   `json:"target_project,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e ProjectMappingUpdated) EventType() string      { return EventProjectMappingUpdated }
func (e ProjectMappingUpdated) AggregateID() uuid.UUID { return e.ProjectID }

type ProjectDeactivated struct {
	ProjectID  uuid.UUID `json:"project_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ProjectDeactivated) EventType() string      { return EventProjectDeactivated }
func (e ProjectDeactivated) AggregateID() uuid.UUID { return e.ProjectID }

type WorkItemCreated struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Title      string    `json:"title"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e WorkItemCreated) EventType() string      { return EventWorkItemCreated }
func (e WorkItemCreated) AggregateID() uuid.UUID { return e.WorkItemID }

type WorkItemSynced struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Direction  Direction `json:"direction"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e WorkItemSynced) EventType() string      { return EventWorkItemSynced }
func (e WorkItemSynced) AggregateID() uuid.UUID { return e.WorkItemID }

type SyncStarted struct {
	OperationID uuid.UUID `json:"operation_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Direction   Direction `json:"direction"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e SyncStarted) EventType() string      { return EventSyncStarted }
func (e SyncStarted) AggregateID() uuid.UUID { return e.OperationID }

type SyncCompleted struct {
	OperationID    uuid.UUID `json:"operation_id"`
	ProjectID      uuid.UUID `json:"project_id"`
	ItemsProcessed int       `json:"items_processed"`
	ErrorCount     int       `json:"error_count"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (e SyncCompleted) EventType() string      { return EventSyncCompleted }
func (e SyncCompleted) AggregateID() uuid.UUID { return e.OperationID }

type SyncFailed struct {
	OperationID uuid.UUID `json:"operation_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e SyncFailed) EventType() string      { return EventSyncFailed }
func (e SyncFailed) AggregateID() uuid.UUID { return e.OperationID }

type ConflictDetected struct {
	ConflictID   uuid.UUID    `json:"conflict_id"`
	WorkItemID   uuid.UUID    `json:"work_item_id"`
	ProjectID    uuid.UUID    `json:"project_id"`
	ConflictType ConflictType `json:"conflict_type"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

func (e ConflictDetected) EventType() string      { return EventConflictDetected }
func (e ConflictDetected) AggregateID() uuid.UUID { return e.ConflictID }

type ConflictResolved struct {
	ConflictID uuid.UUID `json:"conflict_id"`
	WorkItemID uuid.UUID `json:"work_item_id"`
	Resolution string    `json:"resolution"`
	ResolvedBy string    `json:"resolved_by"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ConflictResolved) EventType() string      { return EventConflictResolved }
func (e ConflictResolved) AggregateID() uuid.UUID { return e.ConflictID }

// RegisterEvents 把所有领域事件注册到 outbox 的类型表
func RegisterEvents(r *outbox.Registry) {
	outbox.Register[ProjectCreated](r, EventProjectCreated)
	outbox.Register[ProjectMappingUpdated](r, EventProjectMappingUpdated)
	outbox.Register[ProjectDeactivated](r, EventProjectDeactivated)
	outbox.Register[WorkItemCreated](r, EventWorkItemCreated)
	outbox.Register[WorkItemSynced](r, EventWorkItemSynced)
	outbox.Register[SyncStarted](r, EventSyncStarted)
	outbox.Register[SyncCompleted](r, EventSyncCompleted)
	outbox.Register[SyncFailed](r, EventSyncFailed)
	outbox.Register[ConflictDetected](r, EventConflictDetected)
	outbox.Register[ConflictResolved](r, EventConflictResolved)
}
