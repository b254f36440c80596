// Package eventhandler holds the outbox subscribers that fan domain events out of the sync engine.
package eventhandler

import (
	"context"

	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/pkg/logger"
	"trackersync/pkg/outbox"
)

// LogHandler 把每个领域事件写成一条结构化日志
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Handle(ctx context.Context, e *outbox.Event, payload any) error {
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("event_id", e.ID.String()),
		zap.String("event_type", e.EventType),
	)

	switch p := payload.(type) {
	case model.ProjectCreated:
		log.Info("Project created", zap.String("project_id", p.ProjectID.String()), zap.String("name", p.Name))
	case model.ProjectMappingUpdated:
		fields := []zap.Field{zap.String("project_id", p.ProjectID.String())}
		if p.SourceID != nil {
			fields = append(fields, zap.Int64("source_id", *p.SourceID))
		}
		if p.TargetProject != nil {
			fields = append(fields, zap.String("target_project", *p.TargetProject))
		}
		log.Info("Project mapping updated", fields...)
	case model.ProjectDeactivated:
		log.Info("Project deactivated", zap.String("project_id", p.ProjectID.String()))
	case model.WorkItemCreated:
		log.Info("Work item created",
			zap.String("work_item_id", p.WorkItemID.String()),
			zap.String("project_id", p.ProjectID.String()),
			zap.String("title", p.Title),
		)
	case model.WorkItemSynced:
		log.Debug("Work item synced",
			zap.String("work_item_id", p.WorkItemID.String()),
			zap.String("direction", p.Direction.String()),
		)
	case model.SyncStarted:
		log.Info("Sync operation started",
			zap.String("operation_id", p.OperationID.String()),
			zap.String("project_id", p.ProjectID.String()),
			zap.String("direction", p.Direction.String()),
		)
	case model.SyncCompleted:
		log.Info("Sync operation completed",
			zap.String("operation_id", p.OperationID.String()),
			zap.String("project_id", p.ProjectID.String()),
			zap.Int("items_processed", p.ItemsProcessed),
			zap.Int("error_count", p.ErrorCount),
		)
	case model.SyncFailed:
		log.Warn("Sync operation failed",
			zap.String("operation_id", p.OperationID.String()),
			zap.String("project_id", p.ProjectID.String()),
			zap.String("error", p.Error),
		)
	case model.ConflictDetected:
		log.Warn("Sync conflict detected",
			zap.String("conflict_id", p.ConflictID.String()),
			zap.String("work_item_id", p.WorkItemID.String()),
			zap.String("conflict_type", string(p.ConflictType)),
		)
	case model.ConflictResolved:
		log.Info("Sync conflict resolved",
			zap.String("conflict_id", p.ConflictID.String()),
			zap.String("resolved_by", p.ResolvedBy),
			zap.String("resolution", p.Resolution),
		)
	default:
		log.Info("Domain event", zap.String("aggregate_id", e.AggregateID.String()))
	}
	return nil
}
