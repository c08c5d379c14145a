package web

import (
	"net/http"
	"strconv"

	"github.com/JonMunkholm/datamorph/internal/core"
)

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	page := parsePage(r)
	items, total, err := s.service.ListDatasets(r.Context(), projectID, identityFrom(r.Context()).TenantID, page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeList[core.Dataset](w, items, total, page)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := s.service.GetDataset(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handlePreviewDataset pages through rows with ?page=&page_size=.
func (s *Server) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	preview, err := s.service.PreviewDataset(r.Context(), id, identityFrom(r.Context()).TenantID,
		parseIntParam(r, "page", 1), parseIntParam(r, "page_size", 0))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	chain, err := s.service.Lineage(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ops, err := s.service.Operations(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if ops == nil {
		ops = []core.CleaningOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

type cleanRequest struct {
	Operations     []core.Operation `json:"operations"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// handleClean previews a batch, or applies it when ?auto_apply=true.
// An Idempotency-Key header takes precedence over the body field.
func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	apply := false
	if raw := r.URL.Query().Get("auto_apply"); raw != "" {
		var err error
		if apply, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "auto_apply must be true or false", "VAL000")
			return
		}
	}
	var req cleanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	id := identityFrom(r.Context())
	res, err := s.service.Clean(r.Context(), datasetID, id.TenantID, core.CleanRequest{
		Operations:     req.Operations,
		Apply:          apply,
		UserID:         id.UserID,
		IdempotencyKey: key,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == core.CleanStatusApplied {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	opID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	op, err := s.service.Revert(r.Context(), opID, id.TenantID, id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
