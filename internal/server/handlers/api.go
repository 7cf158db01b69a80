package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gobatch/internal/engine"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/persistence"
)

// Source is the read side of the engine.
type Source interface {
	Resources(ctx context.Context, refresh bool) []engine.ResourceView
	List(ctx context.Context) ([]persistence.Record, error)
	View(ctx context.Context, id string) (engine.TaskView, error)
}

// API serves resources and tasks.
type API struct {
	src Source
}

func NewAPI(src Source) *API {
	return &API{src: src}
}

// ResourcesResponse lists resources.
type ResourcesResponse struct {
	Resources []engine.ResourceView `json:"resources"`
}

// ListResources serves GET /v1/resources. ?refresh=true recomputes the live
// counters first.
func (a *API) ListResources(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	writeJSON(w, http.StatusOK, ResourcesResponse{Resources: a.src.Resources(r.Context(), refresh)})
}

// TasksResponse lists stored tasks.
type TasksResponse struct {
	Tasks []persistence.Record `json:"tasks"`
}

// ListTasks serves GET /v1/tasks. ?state=running,submitted filters by state.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	records, err := a.src.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if raw := r.URL.Query().Get("state"); raw != "" {
		want := make(map[job.State]bool)
		for _, name := range strings.Split(raw, ",") {
			s, err := job.ParseState(name)
			if err != nil {
				respondWithError(w, r, job.WrapCause(job.ErrInvalidOperation, err, "state filter"))
				return
			}
			want[s] = true
		}
		filtered := records[:0]
		for _, rec := range records {
			if want[rec.State] {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []persistence.Record{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: records})
}

// GetTask serves GET /v1/tasks/{id}.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	view, err := a.src.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler serves a fixed version description.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}
