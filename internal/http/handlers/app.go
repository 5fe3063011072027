package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/queue"
)

// JobQueue is the queue-runtime surface the API depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.Job) (string, error)
	Lookup(ctx context.Context, jobID string) (domain.JobStatus, *domain.Result, error)
	Snapshot(ctx context.Context) (*queue.Stats, error)
	PublishModelUnload(ctx context.Context) error
}

// App bundles the dependencies shared by every handler.
type App struct {
	Config    *infra.Config
	Logger    *infra.Logger
	Queue     JobQueue
	Artifacts domain.ArtifactRepository
}

// NewApp builds the handler container.
func NewApp(cfg *infra.Config, logger *infra.Logger, q JobQueue, artifacts domain.ArtifactRepository) *App {
	return &App{Config: cfg, Logger: logger, Queue: q, Artifacts: artifacts}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]any{
		"success": false,
		"error":   kind,
		"message": message,
	})
}
