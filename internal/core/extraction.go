package core

// extraction.go drives a File from uploaded to ready or error.
//
// Progress markers: 10 on entering processing, 30 once the blob is read,
// 30-60 while the extractor consumes input, 80 once dataset data is
// stored, 100 on commit.

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

const (
	progressStarted   = 10
	progressRead      = 30
	progressExtracted = 60
	progressStored    = 80
)

// errSuperseded reports that the file left processing while this attempt
// ran, so its result must be discarded.
var errSuperseded = errors.New("file no longer processing")

func datasetDataKey(id uuid.UUID) string {
	return fmt.Sprintf("datasets/%s/data.csv", id)
}

type extractionHandler struct{ s *Service }

func (h *extractionHandler) run(ctx context.Context, job *Job) error {
	s := h.s
	log := logging.WithFields(ctx, "job_id", job.ID, "file_id", job.TargetID)

	file, err := s.store.GetFile(ctx, job.TargetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errTargetGone
		}
		return Transient(err)
	}
	if done, err := h.settleFinished(ctx, job, file.Status); done {
		return err
	}

	started, err := s.store.BeginProcessing(ctx, file.ID, progressStarted)
	if err != nil {
		return Transient(err)
	}
	if !started {
		log.Debug("file left uploaded state before processing began")
		current, err := s.store.GetFile(ctx, file.ID)
		if err != nil {
			return Transient(err)
		}
		_, err = h.settleFinished(ctx, job, current.Status)
		return err
	}

	extractor, err := s.extractorFor(file.Format)
	if err != nil {
		return err
	}

	raw, err := s.blobs.Get(ctx, file.StorageKey)
	if err != nil {
		return Transient(fmt.Errorf("read upload: %w", err))
	}
	h.progress(ctx, job, file.ID, progressRead)

	table, err := extractor.Extract(ctx, bytes.NewReader(raw), int64(len(raw)), func(pct int) {
		h.progress(ctx, job, file.ID, progressRead+pct*(progressExtracted-progressRead)/100)
	})
	if err != nil {
		return err
	}
	if table.NumColumns() == 0 {
		return &CapabilityError{Capability: "extract", Err: errors.New("no columns found in file")}
	}

	ds := newRootDataset(file, table, tabular.Assess(table), s.now())
	if err := s.storeTable(ctx, ds.DataKey, table); err != nil {
		return err
	}
	h.progress(ctx, job, file.ID, progressStored)

	meta := map[string]any{
		"format":       string(file.Format),
		"row_count":    ds.RowCount,
		"column_count": ds.ColumnCount,
		"mime_type":    file.MimeType,
		"confidence":   file.Confidence,
		"attempts":     job.Attempts,
	}

	created := false
	err = s.store.InTx(ctx, func(tx Repository) error {
		locked, err := tx.LockFile(ctx, file.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errTargetGone
			}
			return err
		}
		if locked.Status != FileProcessing {
			return errSuperseded
		}

		existing, err := tx.ListDatasetsByFile(ctx, file.ID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if err := tx.CreateDataset(ctx, ds); err != nil {
				return err
			}
			created = true
		}
		if err := tx.MarkFileReady(ctx, file.ID, meta, ds.ColumnSchema); err != nil {
			return err
		}
		return tx.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	})
	if err != nil || !created {
		s.deleteBlob(ctx, ds.DataKey)
	}
	switch {
	case errors.Is(err, errSuperseded):
		log.Info("extraction result discarded, file already settled")
		return s.store.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	case errors.Is(err, ErrJobSuperseded):
		return err
	case errors.Is(err, errTargetGone):
		return err
	case err != nil:
		return Transient(fmt.Errorf("commit extraction: %w", err))
	}

	log.Info("file ready",
		"dataset_id", ds.ID,
		"rows", ds.RowCount,
		"columns", ds.ColumnCount,
		"quality", ds.QualityScore,
	)
	return nil
}

// settleFinished finishes the job without work when the file already
// reached a terminal state. done reports whether that happened.
func (h *extractionHandler) settleFinished(ctx context.Context, job *Job, status FileStatus) (done bool, err error) {
	switch status {
	case FileReady:
		logging.WithFields(ctx, "job_id", job.ID, "file_id", job.TargetID).Debug("file already ready, skipping")
		return true, h.s.store.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	case FileError:
		return true, h.s.store.FinishJob(ctx, job.ID, job.Attempts, JobFailed, "file already failed")
	}
	return false, nil
}

// progress records a marker and heartbeats the job. Failures only cost a
// stale progress bar, so they are logged.
func (h *extractionHandler) progress(ctx context.Context, job *Job, fileID uuid.UUID, pct int) {
	if err := h.s.store.UpdateProgress(ctx, fileID, pct); err != nil {
		logging.FromContext(ctx).Debug("progress update failed", "file_id", fileID, "error", err)
	}
	if err := h.s.store.TouchJob(ctx, job.ID); err != nil {
		logging.FromContext(ctx).Debug("job heartbeat failed", "job_id", job.ID, "error", err)
	}
}

func (h *extractionHandler) retrying(ctx context.Context, repo Repository, job *Job, cause error) error {
	return repo.RecordFileFailure(ctx, job.TargetID, errorSummary(cause), job.Attempts, false)
}

func (h *extractionHandler) fail(ctx context.Context, repo Repository, job *Job, cause error) error {
	return repo.RecordFileFailure(ctx, job.TargetID, errorSummary(cause), job.Attempts, true)
}

// deleteBlob removes a blob best-effort.
func (s *Service) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		logging.FromContext(ctx).Warn("blob cleanup failed", "key", key, "error", err)
	}
}
