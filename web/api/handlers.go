package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
	"github.com/hochfrequenz/cascade/internal/observer"
	"github.com/hochfrequenz/cascade/internal/runstore"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Live      bool                  `json:"live"`
	Running   bool                  `json:"running"`
	Completed string                `json:"completed,omitempty"`
	Repos     []observer.RepoStatus `json:"repos,omitempty"`
	Stuck     []string              `json:"stuck,omitempty"`
	Metrics   *observer.Metrics     `json:"metrics,omitempty"`
	LastRun   *RunResponse          `json:"last_run,omitempty"`
	Clients   int                   `json:"clients"`
}

// RunResponse is the API response for a run without its results
type RunResponse struct {
	ID        string    `json:"id"`
	Change    string    `json:"change"`
	DryRun    bool      `json:"dry_run"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// RunDetailResponse is a run with results and, on request, its events
type RunDetailResponse struct {
	*domain.RunSummary
	Events []events.Event `json:"events,omitempty"`
}

func runToResponse(r *domain.RunSummary) RunResponse {
	return RunResponse{
		ID:        r.RunID,
		Change:    r.Change,
		DryRun:    r.DryRun,
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		StartedAt: r.StartedAt,
		Duration:  r.Duration.Round(time.Millisecond).String(),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{Live: s.observer != nil, Clients: s.hub.Count()}

		if s.observer != nil {
			resp.Running = s.observer.Running()
			resp.Completed, _ = s.observer.Completed()
			resp.Repos = s.observer.Snapshot()
			resp.Stuck = s.observer.Stuck(s.now())
			m := s.observer.GetMetrics()
			resp.Metrics = &m
		}

		if s.store != nil {
			last, err := s.store.LastRun(r.Context())
			switch {
			case err == nil:
				lr := runToResponse(last)
				resp.LastRun = &lr
			case !errors.Is(err, runstore.ErrNotFound):
				s.logger.Warn("loading last run failed", "error", err)
			}
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "run history not available")
			return
		}
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.store.ListRuns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, runToResponse(run))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "run history not available")
			return
		}
		id := r.PathValue("id")

		run, err := s.store.GetRun(r.Context(), id)
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := RunDetailResponse{RunSummary: run}
		if r.URL.Query().Get("events") == "true" {
			if resp.Events, err = s.store.Events(r.Context(), id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) runEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "run history not available")
			return
		}
		evs, err := s.store.Events(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if evs == nil {
			evs = []events.Event{}
		}
		writeJSON(w, evs)
	}
}
