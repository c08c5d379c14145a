package web

import (
	"net/http"

	"github.com/JonMunkholm/datamorph/internal/core"
)

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.service.CreateProject(r.Context(), identityFrom(r.Context()).TenantID, req.Name, req.Description)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	items, total, err := s.service.ListProjects(r.Context(), identityFrom(r.Context()).TenantID, page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeList[core.Project](w, items, total, page)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.service.GetProject(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeleteProject cascades to every file, dataset and prediction in the
// project and releases their storage.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.DeleteProject(r.Context(), id, identityFrom(r.Context()).TenantID); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
