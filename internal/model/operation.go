package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationStatus 同步运行状态，Completed / Failed 为终态
type OperationStatus string

const (
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// CancelledMessage is the error message of a run stopped through StopSync.
const CancelledMessage = "sync cancelled"

// Outcome 细分终态，仅用于展示和告警，不持久化
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// SyncOperation 一次同步运行的记录
type SyncOperation struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Direction      Direction
	Status         OperationStatus
	StartUTC       time.Time
	EndUTC         *time.Time
	ItemsProcessed int
	ErrorCount     int
	Details        string
	ErrorMessage   string

	EventBuffer
}

// StartOperation 创建 InProgress 状态的运行记录
func StartOperation(projectID uuid.UUID, direction Direction, now time.Time) *SyncOperation {
	now = now.UTC()
	op := &SyncOperation{
		ID:        uuid.New(),
		ProjectID: projectID,
		Direction: direction,
		Status:    StatusInProgress,
		StartUTC:  now,
	}
	op.raise(SyncStarted{OperationID: op.ID, ProjectID: projectID, Direction: direction, OccurredAt: now})
	return op
}

func (o *SyncOperation) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Complete marks the run completed. Item level errors are carried in errorCount.
func (o *SyncOperation) Complete(itemsProcessed, errorCount int, details string, now time.Time) error {
	if o.IsTerminal() {
		return ErrOperationFinished
	}
	now = now.UTC()
	o.Status = StatusCompleted
	o.ItemsProcessed = itemsProcessed
	o.ErrorCount = errorCount
	o.Details = details
	o.EndUTC = &now
	o.raise(SyncCompleted{
		OperationID:    o.ID,
		ProjectID:      o.ProjectID,
		ItemsProcessed: itemsProcessed,
		ErrorCount:     errorCount,
		OccurredAt:     now,
	})
	return nil
}

// Fail marks the run failed, keeping whatever counters were reached.
func (o *SyncOperation) Fail(message string, itemsProcessed, errorCount int, now time.Time) error {
	if o.IsTerminal() {
		return ErrOperationFinished
	}
	now = now.UTC()
	o.Status = StatusFailed
	o.ItemsProcessed = itemsProcessed
	o.ErrorCount = errorCount
	o.ErrorMessage = message
	o.EndUTC = &now
	o.raise(SyncFailed{OperationID: o.ID, ProjectID: o.ProjectID, Error: message, OccurredAt: now})
	return nil
}

func (o *SyncOperation) WasCancelled() bool {
	return o.Status == StatusFailed && o.ErrorMessage == CancelledMessage
}

func (o *SyncOperation) Outcome() Outcome {
	switch o.Status {
	case StatusCompleted:
		if o.ErrorCount > 0 {
			return OutcomePartial
		}
		return OutcomeSucceeded
	case StatusFailed:
		if o.WasCancelled() {
			return OutcomeCancelled
		}
		return OutcomeFailed
	}
	return OutcomeRunning
}

// Duration 运行时长，未结束时返回 0
func (o *SyncOperation) Duration() time.Duration {
	if o.EndUTC == nil {
		return 0
	}
	return o.EndUTC.Sub(o.StartUTC)
}
