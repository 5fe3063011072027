package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// Health reports liveness and queue connectivity.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Queue.Snapshot(r.Context()); err != nil {
		a.json(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "queue unreachable",
		})
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Stats exposes lane depths, the retry backlog and live workers.
func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Queue.Snapshot(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("api: stats snapshot failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to gather stats")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success":   true,
		"queues":    stats.LaneDepths,
		"retries":   stats.RetryBacklog,
		"workers":   stats.Workers,
		"timestamp": time.Now().Unix(),
	})
}

// ListArtifacts returns recently completed artifacts from the catalog.
func (a *App) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	artifacts, err := a.Artifacts.ListRecent(r.Context(), limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("api: list artifacts failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load artifacts")
		return
	}
	items := make([]map[string]any, 0, len(artifacts))
	for _, artifact := range artifacts {
		items = append(items, map[string]any{
			"id":         artifact.ID,
			"job_id":     artifact.JobID,
			"kind":       string(artifact.Kind),
			"public_id":  artifact.PublicID,
			"url":        artifact.URL,
			"format":     artifact.Format,
			"bytes":      artifact.Bytes,
			"width":      artifact.Width,
			"height":     artifact.Height,
			"created_at": artifact.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// UnloadModels broadcasts the administrative model-unload signal to all
// worker processes. Handles reload lazily on the next job.
func (a *App) UnloadModels(w http.ResponseWriter, r *http.Request) {
	if err := a.Queue.PublishModelUnload(r.Context()); err != nil {
		a.Logger.Error().Err(err).Msg("api: unload broadcast failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to broadcast unload")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "model unload requested",
	})
}
