package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
)

// Result reports the state of a submitted job. It never surfaces an
// unhandled fault: unknown identifiers become an explicit not-found reply
// and internal errors degrade to a failed-shaped response with status
// "error".
func (a *App) Result(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "task_id is required")
		return
	}

	status, result, err := a.Queue.Lookup(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.json(w, http.StatusNotFound, map[string]any{
				"success": false,
				"status":  "not_found",
				"task_id": taskID,
				"error":   "unknown task id",
			})
			return
		}
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("api: result lookup failed")
		a.json(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"status":  "error",
			"task_id": taskID,
			"error":   "failed to load task state",
		})
		return
	}

	switch status {
	case domain.JobStatusCompleted:
		a.json(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  string(status),
			"task_id": taskID,
			"result":  result,
		})
	case domain.JobStatusFailed:
		a.json(w, http.StatusOK, map[string]any{
			"success": false,
			"status":  string(status),
			"task_id": taskID,
			"error":   result.Error,
			"result":  result,
		})
	default:
		a.json(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  string(status),
			"task_id": taskID,
			"message": "Task is still being processed",
		})
	}
}
