package eventhandler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/pkg/outbox"
)

// OpenConflictCounter is the part of the conflict repository the alert handler reads.
type OpenConflictCounter interface {
	CountUnresolved(ctx context.Context, projectID uuid.UUID) (int, error)
}

// ConflictAlertHandler warns when a project's backlog of open conflicts reaches the threshold.
type ConflictAlertHandler struct {
	conflicts OpenConflictCounter
	threshold int
	logger    *zap.Logger
}

func NewConflictAlertHandler(conflicts OpenConflictCounter, threshold int, logger *zap.Logger) *ConflictAlertHandler {
	if threshold <= 0 {
		threshold = 10
	}
	return &ConflictAlertHandler{conflicts: conflicts, threshold: threshold, logger: logger}
}

func (h *ConflictAlertHandler) Name() string { return "conflict_alert" }

func (h *ConflictAlertHandler) Handle(ctx context.Context, e *outbox.Event, payload any) error {
	detected, ok := payload.(model.ConflictDetected)
	if !ok {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := h.conflicts.CountUnresolved(qctx, detected.ProjectID)
	if err != nil {
		return err
	}
	if n >= h.threshold {
		h.logger.Warn("Open conflict backlog above threshold",
			zap.String("project_id", detected.ProjectID.String()),
			zap.Int("open_conflicts", n),
			zap.Int("threshold", h.threshold),
		)
	}
	return nil
}
