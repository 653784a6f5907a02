package handlers

import (
	"context"
	"net/http"

	apperrors "github.com/3leaps/unreact/internal/errors"
	"github.com/3leaps/unreact/pkg/scheduler"
)

// TaskLister is the read side of the scheduler.
type TaskLister interface {
	List(ctx context.Context) ([]scheduler.Entry, error)
	Stats(ctx context.Context) (scheduler.Stats, error)
}

// TasksResponse is the body of GET /v1/tasks.
type TasksResponse struct {
	Tasks []scheduler.Entry `json:"tasks"`
	Stats scheduler.Stats   `json:"stats"`
}

// TasksHandler lists tracked references.
func TasksHandler(lister TaskLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lister == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailableError("scheduler not running"))
			return
		}

		tasks, err := lister.List(r.Context())
		if err != nil {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list tasks"))
			return
		}
		stats, err := lister.Stats(r.Context())
		if err != nil {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "task stats"))
			return
		}
		if tasks == nil {
			tasks = []scheduler.Entry{}
		}
		apperrors.WriteJSON(w, http.StatusOK, TasksResponse{Tasks: tasks, Stats: stats})
	}
}
