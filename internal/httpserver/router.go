// Package httpserver exposes health, metrics and sync control endpoints over HTTP.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/service"
)

// SyncService is implemented by *service.Orchestrator.
type SyncService interface {
	StartSync(ctx context.Context, projectID uuid.UUID, direction model.Direction) (uuid.UUID, error)
	StopSync(projectID uuid.UUID) bool
	GetSyncStatus(ctx context.Context, operationID uuid.UUID) (*model.SyncOperation, error)
	ProjectStatus(ctx context.Context, projectID uuid.UUID) (*service.ProjectStatus, error)
}

// ConflictService is implemented by *service.ConflictEngine.
type ConflictService interface {
	Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error)
	UnresolvedConflicts(ctx context.Context) ([]*model.SyncConflict, error)
	ConflictsForProject(ctx context.Context, projectID uuid.UUID) ([]*model.SyncConflict, error)
	ApplyResolution(ctx context.Context, id uuid.UUID, strategy, resolvedBy string) (*model.SyncConflict, *service.Resolution, error)
}

// Pinger 就绪检查
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Mux *chi.Mux
}

func NewRouter(syncs SyncService, conflicts ConflictService, db Pinger, logger *zap.Logger) *Router {
	h := &handler{syncs: syncs, conflicts: conflicts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)
	r.Use(metricsMiddleware)

	// Health endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Head("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_not_ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/status", h.projectStatus)
			r.Post("/sync", h.startSync)
			r.Delete("/sync", h.stopSync)
			r.Get("/conflicts", h.projectConflicts)
		})
		r.Get("/operations/{id}", h.operation)
		r.Get("/conflicts", h.unresolvedConflicts)
		r.Post("/conflicts/{id}/resolve", h.resolveConflict)
	})

	return &Router{Mux: r}
}

// Server 绑定地址后的 http.Server
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
