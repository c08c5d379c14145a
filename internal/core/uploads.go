package core

// uploads.go accepts files. The blob is written first; the File row, the
// usage increment and the extraction job then commit in one transaction
// with the tenant row locked, so concurrent uploads cannot both pass
// admission on the same headroom. A failed commit removes the blob.

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/google/uuid"
)

// UploadRequest is one file to ingest.
type UploadRequest struct {
	TenantID uuid.UUID
	// ProjectID is optional; uuid.Nil creates a project named after the file.
	ProjectID   uuid.UUID
	UserID      string
	Filename    string
	ContentType string
	Data        []byte
}

// UploadResult is returned once a file is accepted.
type UploadResult struct {
	FileID           uuid.UUID  `json:"file_id"`
	ProjectID        uuid.UUID  `json:"project_id"`
	Status           FileStatus `json:"status"`
	DetectedFormat   Format     `json:"detected_format"`
	ProgressURL      string     `json:"progress_url"`
	EstimatedSeconds int        `json:"estimated_seconds"`
	// Queued is false when the extraction job was recorded but could not
	// be enqueued; the sweeper retries it.
	Queued bool `json:"queued"`
}

// FileProgress is the polling view of a file's extraction.
type FileProgress struct {
	Status             FileStatus     `json:"status"`
	Progress           int            `json:"progress"`
	ExtractionMetadata map[string]any `json:"extraction_metadata"`
	Error              string         `json:"error,omitempty"`
}

// Upload admits, stores and records a file, then enqueues its extraction.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	filename := strings.TrimSpace(filepath.Base(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, Validation("filename is required")
	}
	size := int64(len(req.Data))
	if size == 0 {
		return nil, Validation("file is empty")
	}
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return nil, Validation("file too large: %d bytes exceeds maximum of %d", size, s.opts.MaxFileSize)
	}

	if l := s.opts.Limiter; l != nil {
		if err := l.Acquire(ctx); err != nil {
			return nil, err
		}
		defer l.Release()
	}

	// Fail fast before writing the blob; the binding check is in the
	// transaction below.
	if err := s.CheckQuota(ctx, req.TenantID, size); err != nil {
		return nil, err
	}
	if req.ProjectID != uuid.Nil {
		if _, err := s.ownedProject(ctx, s.store, req.ProjectID, req.TenantID); err != nil {
			return nil, err
		}
	}

	det := Detect(filename, req.Data)
	mime := det.MimeType
	if det.Format == FormatUnknown && req.ContentType != "" {
		mime = req.ContentType
	}

	now := s.now()
	projectID := req.ProjectID
	var project *Project
	if projectID == uuid.Nil {
		p, err := newProject(req.TenantID, filename, "", now)
		if err != nil {
			return nil, err
		}
		project, projectID = p, p.ID
	}

	file := &File{
		ID:            uuid.New(),
		ProjectID:     projectID,
		TenantID:      req.TenantID,
		Filename:      filename,
		SizeBytes:     size,
		MimeType:      mime,
		Format:        det.Format,
		Confidence:    det.Confidence,
		StorageBucket: s.blobs.Bucket(),
		Status:        FileUploaded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	file.StorageKey = fmt.Sprintf("%s/%s/%s%s", req.TenantID, projectID, file.ID, strings.ToLower(filepath.Ext(filename)))

	if err := s.blobs.Put(ctx, file.StorageKey, req.Data, mime); err != nil {
		return nil, Transient(fmt.Errorf("store upload: %w", err))
	}

	job := s.newJob(JobExtraction, file.ID, req.TenantID, nil)
	err := s.store.InTx(ctx, func(tx Repository) error {
		if _, err := admit(ctx, tx, req.TenantID, size); err != nil {
			return err
		}
		if project != nil {
			if err := tx.CreateProject(ctx, project); err != nil {
				return err
			}
		}
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		s.deleteBlob(ctx, file.StorageKey)
		return nil, err
	}

	queued := s.submit(ctx, job)
	logging.WithFields(ctx, "file_id", file.ID, "job_id", job.ID).Info("file uploaded",
		"format", file.Format,
		"size_bytes", size,
		"queued", queued,
	)
	s.audit(ctx, AuditEvent{
		Action:   ActionUpload,
		TenantID: req.TenantID,
		UserID:   req.UserID,
		EntityID: file.ID,
		Detail:   filename,
	})

	return &UploadResult{
		FileID:           file.ID,
		ProjectID:        projectID,
		Status:           file.Status,
		DetectedFormat:   file.Format,
		ProgressURL:      fmt.Sprintf("/api/v1/uploads/%s/progress", file.ID),
		EstimatedSeconds: EstimateSeconds(file.Format, size),
		Queued:           queued,
	}, nil
}

func (s *Service) ownedFile(ctx context.Context, repo Repository, id, tenantID uuid.UUID) (*File, error) {
	f, err := repo.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.TenantID != tenantID {
		return nil, NotFound("file", id)
	}
	return f, nil
}

// GetFile returns a file owned by the tenant.
func (s *Service) GetFile(ctx context.Context, id, tenantID uuid.UUID) (*File, error) {
	return s.ownedFile(ctx, s.store, id, tenantID)
}

// GetProgress returns a file's extraction progress.
func (s *Service) GetProgress(ctx context.Context, id, tenantID uuid.UUID) (*FileProgress, error) {
	f, err := s.ownedFile(ctx, s.store, id, tenantID)
	if err != nil {
		return nil, err
	}
	return &FileProgress{
		Status:             f.Status,
		Progress:           f.Progress,
		ExtractionMetadata: f.ExtractionMetadata,
		Error:              f.ErrorMessage,
	}, nil
}

// ListFiles returns a project's files, newest first, and the total.
func (s *Service) ListFiles(ctx context.Context, projectID, tenantID uuid.UUID, page Page) ([]File, int, error) {
	if _, err := s.ownedProject(ctx, s.store, projectID, tenantID); err != nil {
		return nil, 0, err
	}
	return s.store.ListFiles(ctx, projectID, page.Normalize())
}

// DeleteFile removes a file with its datasets, operations and predictions,
// and releases its storage. Blob removal happens after commit and is
// best-effort.
func (s *Service) DeleteFile(ctx context.Context, id, tenantID uuid.UUID, userID string) error {
	var blobs []string
	err := s.store.InTx(ctx, func(tx Repository) error {
		f, err := tx.LockFile(ctx, id)
		if err != nil {
			return err
		}
		if f.TenantID != tenantID {
			return NotFound("file", id)
		}
		blobs, err = deleteFileTx(ctx, tx, f)
		if err != nil {
			return err
		}
		return release(ctx, tx, tenantID, f.SizeBytes)
	})
	if err != nil {
		return err
	}

	for _, key := range blobs {
		s.deleteBlob(ctx, key)
	}
	s.audit(ctx, AuditEvent{Action: ActionFileDelete, TenantID: tenantID, UserID: userID, EntityID: id})
	return nil
}

// deleteFileTx removes a file and its dependents inside tx, children before
// parents, and returns the blob keys they referenced.
func deleteFileTx(ctx context.Context, tx Repository, f *File) ([]string, error) {
	keys := []string{f.StorageKey}

	datasets, err := tx.ListDatasetsByFile(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	for i := len(datasets) - 1; i >= 0; i-- {
		ds := datasets[i]
		if err := tx.DeleteOperationsByDataset(ctx, ds.ID); err != nil {
			return nil, err
		}
		artifacts, err := tx.DeletePredictionsByDataset(ctx, ds.ID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, artifacts...)
		if err := tx.DeleteJobsByTarget(ctx, ds.ID); err != nil {
			return nil, err
		}
		if err := tx.DeleteDataset(ctx, ds.ID); err != nil {
			return nil, err
		}
		keys = append(keys, ds.DataKey)
		for _, k := range ds.StorageKeys {
			keys = append(keys, k)
		}
	}

	if err := tx.DeleteJobsByTarget(ctx, f.ID); err != nil {
		return nil, err
	}
	if err := tx.DeleteFile(ctx, f.ID); err != nil {
		return nil, err
	}
	return keys, nil
}
