package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

// recentOperationsLimit 状态摘要中返回的最近运行条数
const recentOperationsLimit = 10

// ProjectStatus 项目同步状态摘要
type ProjectStatus struct {
	Project             *model.Project
	InProgress          bool
	CurrentOperationID  *uuid.UUID
	LastSyncUTC         *time.Time
	RecentOperations    []*model.SyncOperation
	PendingItems        int
	UnresolvedConflicts int
	// ResultSaveError 上次运行的终态未能落库，项目在补写成功前保持占用
	ResultSaveError string
}

// ProjectStatus summarizes one project for status pages and the CLI.
func (o *Orchestrator) ProjectStatus(ctx context.Context, projectID uuid.UUID) (*ProjectStatus, error) {
	p, err := o.store.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	recent, err := o.store.Operations.ListRecent(ctx, projectID, recentOperationsLimit)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.WorkItems.CountPendingSync(ctx, projectID)
	if err != nil {
		return nil, err
	}
	conflicts, err := o.store.Conflicts.CountUnresolved(ctx, projectID)
	if err != nil {
		return nil, err
	}

	st := &ProjectStatus{
		Project:             p,
		InProgress:          o.IsSyncInProgress(projectID),
		LastSyncUTC:         p.LastSyncUTC,
		RecentOperations:    recent,
		PendingItems:        pending,
		UnresolvedConflicts: conflicts,
	}
	if op, saveErr := o.sessions.parked(projectID); op != nil {
		st.ResultSaveError = saveErr.Error()
	}
	if id, ok := o.sessions.operationID(projectID); ok {
		st.CurrentOperationID = &id
	} else {
		// 其他进程正在运行的同步
		for _, op := range recent {
			if op.Status == model.StatusInProgress {
				id := op.ID
				st.CurrentOperationID = &id
				st.InProgress = true
				break
			}
		}
	}
	return st, nil
}
