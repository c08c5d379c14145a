package web

import (
	"net/http"

	"github.com/JonMunkholm/datamorph/internal/core"
)

// handleExport starts an export job for ?format= (default csv).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	job, err := s.service.Export(r.Context(), datasetID, id.TenantID, r.URL.Query().Get("format"), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleDownload returns a presigned URL for the latest finished export.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	dl, err := s.service.DownloadURL(r.Context(), datasetID, identityFrom(r.Context()).TenantID, r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleCreatePrediction(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req core.PredictionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := identityFrom(r.Context())
	p, err := s.service.CreatePrediction(r.Context(), datasetID, id.TenantID, id.UserID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.service.GetPrediction(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	page := parsePage(r)
	items, total, err := s.service.ListPredictions(r.Context(), projectID, identityFrom(r.Context()).TenantID, page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeList[core.Prediction](w, items, total, page)
}
