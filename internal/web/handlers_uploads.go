package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/JonMunkholm/datamorph/internal/core"
)

// multipartOverhead is allowed on top of the file size limit for form
// boundaries and the other fields.
const multipartOverhead = 1 << 20

// handleUpload accepts a multipart "file" and an optional "project_id".
// The response is 202: extraction runs in the background and is polled
// through the progress URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Upload.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > maxSize+multipartOverhead {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large", "FILE001")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", "VAL000")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided", "FILE004")
		return
	}
	defer file.Close()

	var projectID uuid.UUID
	if raw := r.FormValue("project_id"); raw != "" {
		if projectID, err = uuid.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid project_id", "VAL000")
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file", "VAL000")
		return
	}

	id := identityFrom(r.Context())
	res, err := s.service.Upload(r.Context(), core.UploadRequest{
		TenantID:    id.TenantID,
		ProjectID:   projectID,
		UserID:      id.UserID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	f, err := s.service.GetFile(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.service.GetProgress(r.Context(), id, identityFrom(r.Context()).TenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	page := parsePage(r)
	items, total, err := s.service.ListFiles(r.Context(), projectID, identityFrom(r.Context()).TenantID, page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeList[core.File](w, items, total, page)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	if err := s.service.DeleteFile(r.Context(), fileID, id.TenantID, id.UserID); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
