package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/service"
	"trackersync/pkg/logger"
)

type handler struct {
	syncs     SyncService
	conflicts ConflictService
	logger    *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor 前置条件错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyInProgress), errors.Is(err, model.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, model.ErrInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnknownStrategy), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithTrace(r.Context(), h.logger).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

type operationResponse struct {
	ID             uuid.UUID `json:"id"`
	ProjectID      uuid.UUID `json:"project_id"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	Outcome        string    `json:"outcome"`
	StartUTC       string    `json:"start_utc"`
	EndUTC         *string   `json:"end_utc,omitempty"`
	ItemsProcessed int       `json:"items_processed"`
	ErrorCount     int       `json:"error_count"`
	Details        string    `json:"details,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

func toOperation(op *model.SyncOperation) operationResponse {
	resp := operationResponse{
		ID:             op.ID,
		ProjectID:      op.ProjectID,
		Direction:      op.Direction.String(),
		Status:         string(op.Status),
		Outcome:        string(op.Outcome()),
		StartUTC:       op.StartUTC.Format(time.RFC3339),
		ItemsProcessed: op.ItemsProcessed,
		ErrorCount:     op.ErrorCount,
		Details:        op.Details,
		ErrorMessage:   op.ErrorMessage,
	}
	if op.EndUTC != nil {
		end := op.EndUTC.Format(time.RFC3339)
		resp.EndUTC = &end
	}
	return resp
}

type conflictResponse struct {
	ID          uuid.UUID `json:"id"`
	WorkItemID  uuid.UUID `json:"work_item_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	IsResolved  bool      `json:"is_resolved"`
	Resolution  string    `json:"resolution,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	CreatedUTC  string    `json:"created_utc"`
}

func toConflicts(cs []*model.SyncConflict) []conflictResponse {
	out := make([]conflictResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, conflictResponse{
			ID:          c.ID,
			WorkItemID:  c.WorkItemID,
			ProjectID:   c.ProjectID,
			Type:        string(c.Type),
			Description: c.Description,
			IsResolved:  c.IsResolved,
			Resolution:  c.Resolution,
			ResolvedBy:  c.ResolvedBy,
			CreatedUTC:  c.CreatedUTC.Format(time.RFC3339),
		})
	}
	return out
}

// projectStatus handles GET /api/projects/{id}/status
func (h *handler) projectStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.syncs.ProjectStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	recent := make([]operationResponse, 0, len(st.RecentOperations))
	for _, op := range st.RecentOperations {
		recent = append(recent, toOperation(op))
	}
	resp := map[string]any{
		"project_id":           st.Project.ID,
		"name":                 st.Project.Name,
		"direction":            st.Project.Direction.String(),
		"is_active":            st.Project.IsActive,
		"in_progress":          st.InProgress,
		"pending_items":        st.PendingItems,
		"unresolved_conflicts": st.UnresolvedConflicts,
		"recent_operations":    recent,
	}
	if st.CurrentOperationID != nil {
		resp["current_operation_id"] = st.CurrentOperationID.String()
	}
	if st.ResultSaveError != "" {
		resp["result_save_error"] = st.ResultSaveError
	}
	if st.LastSyncUTC != nil {
		resp["last_sync_utc"] = st.LastSyncUTC.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// startSync handles POST /api/projects/{id}/sync?direction=
func (h *handler) startSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	direction, err := model.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	opID, err := h.syncs.StartSync(r.Context(), id, direction)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": opID.String()})
}

// stopSync handles DELETE /api/projects/{id}/sync
func (h *handler) stopSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.syncs.StopSync(id) {
		writeError(w, http.StatusNotFound, "no sync in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// operation handles GET /api/operations/{id}
func (h *handler) operation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := h.syncs.GetSyncStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperation(op))
}

// conflictType 可选的 ?type= 过滤条件
func (h *handler) conflictType(w http.ResponseWriter, r *http.Request) (model.ConflictType, bool) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		return "", true
	}
	t, err := model.ParseConflictType(raw)
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return t, true
}

func (h *handler) unresolvedConflicts(w http.ResponseWriter, r *http.Request) {
	t, ok := h.conflictType(w, r)
	if !ok {
		return
	}
	cs, err := h.conflicts.UnresolvedConflicts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflicts(model.FilterConflicts(cs, t)))
}

func (h *handler) projectConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, ok := h.conflictType(w, r)
	if !ok {
		return
	}
	cs, err := h.conflicts.ConflictsForProject(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflicts(model.FilterConflicts(cs, t)))
}

// resolveConflict handles POST /api/conflicts/{id}/resolve
func (h *handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Strategy   string `json:"strategy"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	c, res, err := h.conflicts.ApplyResolution(r.Context(), id, req.Strategy, req.ResolvedBy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.WithTrace(r.Context(), h.logger).Info("Conflict resolved via API",
		zap.String("conflict_id", c.ID.String()),
		zap.String("strategy", res.Strategy),
		zap.String("winner", string(res.Winner)),
		zap.String("resolved_by", c.ResolvedBy),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"conflict": toConflicts([]*model.SyncConflict{c})[0],
		"winner":   string(res.Winner),
		"summary":  res.Summary,
	})
}
