package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// handleListRuns returns runs newest first.
//
// Query parameters:
//   - automation_key, signal_type, status: exact-match filters
//   - limit: page size (default 50, max 200)
//   - offset: rows to skip
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := automation.RunFilter{
		AutomationKey: q.Get("automation_key"),
		SignalType:    q.Get("signal_type"),
	}
	if len(filter.AutomationKey) > maxQueryParamLen || len(filter.SignalType) > maxQueryParamLen {
		writeBadRequest(w, "filter exceeds maximum length")
		return
	}
	if v := q.Get("status"); v != "" {
		status, err := automation.ParseRunStatus(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}
	filter = filter.Normalize()

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing runs failed", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []automation.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"count":  len(runs),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleGetRun returns a run together with its steps ordered by step index.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid run ID")
		return
	}

	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, automation.ErrRunNotFound) {
			writeNotFound(w, "run not found")
			return
		}
		s.logger.Error("getting run failed", "run_id", id, "error", err)
		writeInternalError(w, "failed to get run")
		return
	}

	steps, err := s.runs.ListSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("listing run steps failed", "run_id", id, "error", err)
		writeInternalError(w, "failed to list run steps")
		return
	}
	if steps == nil {
		steps = []automation.RunStep{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// intParam parses an optional integer query parameter; empty means zero.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
