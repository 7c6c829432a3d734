package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// createDefinitionRequest is the body of POST /definitions.
type createDefinitionRequest struct {
	Key         string                      `json:"automation_key"`
	Name        string                      `json:"name"`
	Description *string                     `json:"description,omitempty"`
	Definition  automation.Definition       `json:"definition"`
	Status      automation.DefinitionStatus `json:"status,omitempty"`
}

// updateDefinitionRequest is the body of PUT /definitions/{key}.
// Version must be the version the client last read.
type updateDefinitionRequest struct {
	Name        string                 `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Definition  *automation.Definition `json:"definition"`
	Version     int                    `json:"version"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// handleListDefinitions returns definitions, optionally filtered by ?status=.
func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	var status automation.DefinitionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := automation.ParseDefinitionStatus(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		status = parsed
	}

	defs, err := s.definitions.ListDefinitions(r.Context(), status)
	if err != nil {
		writeInternalError(w, "failed to list definitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs, "count": len(defs)})
}

// handleGetDefinition returns a single definition by automation key.
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	key, ok := definitionKey(w, r)
	if !ok {
		return
	}

	def, err := s.definitions.GetDefinition(r.Context(), key)
	if err != nil {
		s.writeDefinitionError(w, err, "failed to get definition")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleCreateDefinition validates and stores a new definition (draft unless
// a status is given).
func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req createDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	a := &automation.Automation{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
		Status:      req.Status,
	}
	if err := s.definitions.CreateDefinition(r.Context(), a); err != nil {
		s.writeDefinitionError(w, err, "failed to create definition")
		return
	}

	s.respondWithDefinition(w, r, a.Key, http.StatusCreated)
}

// handleUpdateDefinition replaces the body of a definition, bumping its version.
func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	key, ok := definitionKey(w, r)
	if !ok {
		return
	}

	var req updateDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Version < 1 {
		writeBadRequest(w, "version is required")
		return
	}
	if req.Definition == nil {
		writeBadRequest(w, "definition is required")
		return
	}

	existing, err := s.definitions.GetDefinition(r.Context(), key)
	if err != nil {
		s.writeDefinitionError(w, err, "failed to get definition")
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Description != nil {
		existing.Description = req.Description
	}
	existing.Definition = *req.Definition
	existing.Version = req.Version

	if err := s.definitions.UpdateDefinition(r.Context(), existing); err != nil {
		s.writeDefinitionError(w, err, "failed to update definition")
		return
	}

	s.respondWithDefinition(w, r, key, http.StatusOK)
}

// handleSetDefinitionStatus moves a definition through its lifecycle.
func (s *Server) handleSetDefinitionStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := definitionKey(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	status, err := automation.ParseDefinitionStatus(req.Status)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.definitions.SetDefinitionStatus(r.Context(), key, status); err != nil {
		s.writeDefinitionError(w, err, "failed to change definition status")
		return
	}

	s.respondWithDefinition(w, r, key, http.StatusOK)
}

// handleListActions returns the registered action catalogue.
func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	actions := s.actions.List()
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

// respondWithDefinition writes the cached definition after a successful write.
func (s *Server) respondWithDefinition(w http.ResponseWriter, r *http.Request, key string, status int) {
	def, err := s.definitions.GetDefinition(r.Context(), key)
	if err != nil {
		s.writeDefinitionError(w, err, "failed to read definition")
		return
	}
	writeJSON(w, status, def)
}

// writeDefinitionError maps registry errors onto HTTP responses.
func (s *Server) writeDefinitionError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, automation.ErrDefinitionNotFound):
		writeNotFound(w, "definition not found")
	case errors.Is(err, automation.ErrDefinitionExists), errors.Is(err, automation.ErrVersionConflict):
		writeConflict(w, err.Error())
	case errors.Is(err, automation.ErrInvalidDefinition), errors.Is(err, automation.ErrInvalidAutomationKey):
		writeValidationError(w, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		writeInternalError(w, fallback)
	}
}

func definitionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if key == "" || len(key) > maxQueryParamLen {
		writeBadRequest(w, "invalid automation key")
		return "", false
	}
	return key, true
}
