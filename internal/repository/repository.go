// Package repository is the persistence boundary of the sync engine. Every Save/Create writes
// the aggregate row and its buffered domain events (as outbox rows) in one transaction.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trackersync/internal/model"
	"trackersync/pkg/outbox"
)

type ProjectRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Project, error)
	List(ctx context.Context) ([]*model.Project, error)
	ListActive(ctx context.Context) ([]*model.Project, error)
	Save(ctx context.Context, p *model.Project) error
	ActiveFieldMappings(ctx context.Context, projectID uuid.UUID) ([]*model.FieldMapping, error)
	SaveFieldMapping(ctx context.Context, m *model.FieldMapping) error
}

type WorkItemRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.WorkItem, error)
	GetBySourceID(ctx context.Context, projectID uuid.UUID, sourceID string) (*model.WorkItem, error)
	GetByTargetID(ctx context.Context, projectID uuid.UUID, targetID string) (*model.WorkItem, error)
	ListPendingSync(ctx context.Context, projectID uuid.UUID) ([]*model.WorkItem, error)
	CountPendingSync(ctx context.Context, projectID uuid.UUID) (int, error)
	// Save upserts the item together with its comments and attachments.
	Save(ctx context.Context, w *model.WorkItem) error
}

type OperationRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.SyncOperation, error)
	Save(ctx context.Context, op *model.SyncOperation) error
	ListRecent(ctx context.Context, projectID uuid.UUID, limit int) ([]*model.SyncOperation, error)
	ListByStatus(ctx context.Context, status model.OperationStatus) ([]*model.SyncOperation, error)
	// DeleteFinishedBefore removes operations started before cutoff, never InProgress ones.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ConflictRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error)
	Create(ctx context.Context, c *model.SyncConflict) error
	// MarkResolved persists a resolution only if the stored row is still unresolved,
	// otherwise it fails with model.ErrAlreadyResolved.
	MarkResolved(ctx context.Context, c *model.SyncConflict) error
	ListUnresolved(ctx context.Context) ([]*model.SyncConflict, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*model.SyncConflict, error)
	CountUnresolved(ctx context.Context, projectID uuid.UUID) (int, error)
	CountUnresolvedForWorkItem(ctx context.Context, workItemID uuid.UUID) (int, error)
}

// Store 聚合所有仓储，由 postgres 或 sqlite 实现构建
type Store struct {
	Projects   ProjectRepository
	WorkItems  WorkItemRepository
	Operations OperationRepository
	Conflicts  ConflictRepository
	Outbox     outbox.Store

	ping  func(ctx context.Context) error
	close func()
}

// NewStore 由具体实现调用
func NewStore(projects ProjectRepository, items WorkItemRepository, ops OperationRepository,
	conflicts ConflictRepository, ob outbox.Store, ping func(ctx context.Context) error, close func()) *Store {
	return &Store{
		Projects:   projects,
		WorkItems:  items,
		Operations: ops,
		Conflicts:  conflicts,
		Outbox:     ob,
		ping:       ping,
		close:      close,
	}
}

// Ping 检查数据库连通性（readiness）
func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}
