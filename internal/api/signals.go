package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// maxQueryParamLen limits query and path parameter length.
const maxQueryParamLen = 100

// handleDispatchSignal runs every active automation matching the signal and
// returns the summary.
//
// signal_type is required. A missing signal_id is generated, which makes the
// request non-idempotent; callers that retry must supply their own id.
//
// Runs are not tied to the request: a client that disconnects does not
// cancel steps already underway.
func (s *Server) handleDispatchSignal(w http.ResponseWriter, r *http.Request) {
	var sig automation.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sig.Type = strings.TrimSpace(sig.Type)
	if sig.Type == "" {
		writeBadRequest(w, "signal_type is required")
		return
	}
	if len(sig.Type) > maxQueryParamLen || len(sig.ID) > maxQueryParamLen {
		writeBadRequest(w, "signal_id and signal_type must not exceed 100 characters")
		return
	}
	if sig.ID == "" {
		sig.ID = automation.GenerateID()
	}

	summary := s.engine.RunAutomations(context.WithoutCancel(r.Context()), sig)
	writeJSON(w, http.StatusOK, summary)
}
