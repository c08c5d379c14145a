package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

// ExportFormat is an output format for dataset exports.
type ExportFormat string

const (
	ExportCSV     ExportFormat = "csv"
	ExportJSON    ExportFormat = "json"
	ExportXLSX    ExportFormat = "xlsx"
	ExportParquet ExportFormat = "parquet"
)

// ParseExportFormat validates an export format name. An empty name is csv.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(s); f {
	case "":
		return ExportCSV, nil
	case ExportCSV, ExportJSON, ExportXLSX, ExportParquet:
		return f, nil
	}
	return "", Validation("invalid enum format %q", s)
}

var exportContentTypes = map[ExportFormat]string{
	ExportCSV:  "text/csv",
	ExportJSON: "application/json",
	ExportXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// encodeExport renders t in format.
func encodeExport(t *tabular.Table, schema tabular.Schema, format ExportFormat) ([]byte, string, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case ExportCSV:
		err = tabular.WriteCSV(&buf, t)
	case ExportJSON:
		err = tabular.WriteJSON(&buf, t, schema)
	case ExportXLSX:
		err = tabular.WriteXLSX(&buf, t, schema)
	default:
		return nil, "", &CapabilityError{
			Capability: "export",
			Err:        fmt.Errorf("no encoder for format %q", format),
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), exportContentTypes[format], nil
}

// Export queues a job that writes the dataset in format and records the
// key on the dataset.
func (s *Service) Export(ctx context.Context, datasetID, tenantID uuid.UUID, format, userID string) (*Job, error) {
	f, err := ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	ds, err := s.ownedDataset(ctx, datasetID, tenantID)
	if err != nil {
		return nil, err
	}

	job := s.newJob(JobExport, ds.ID, tenantID, map[string]string{"format": string(f)})
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.submit(ctx, job)
	s.audit(ctx, AuditEvent{
		Action:   ActionExportRequest,
		TenantID: tenantID,
		UserID:   userID,
		EntityID: ds.ID,
		Detail:   string(f),
	})
	return job, nil
}

// Download is a presigned link to an exported file.
type Download struct {
	URL       string       `json:"url"`
	Format    ExportFormat `json:"format"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// DownloadURL presigns the latest export of a dataset in format.
func (s *Service) DownloadURL(ctx context.Context, datasetID, tenantID uuid.UUID, format string) (*Download, error) {
	f, err := ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	ds, err := s.ownedDataset(ctx, datasetID, tenantID)
	if err != nil {
		return nil, err
	}
	key := ds.StorageKeys[string(f)]
	if key == "" {
		return nil, Validation("dataset has not been exported as %s", f)
	}

	url, err := s.blobs.PresignGet(ctx, key, s.opts.PresignTTL)
	if err != nil {
		return nil, Transient(fmt.Errorf("presign export: %w", err))
	}
	return &Download{URL: url, Format: f, ExpiresAt: s.now().Add(s.opts.PresignTTL)}, nil
}

type exportHandler struct{ s *Service }

func (h *exportHandler) run(ctx context.Context, job *Job) error {
	s := h.s
	format, err := ParseExportFormat(job.Params["format"])
	if err != nil {
		return err
	}

	ds, err := s.store.GetDataset(ctx, job.TargetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errTargetGone
		}
		return Transient(err)
	}

	t, err := s.loadTable(ctx, ds)
	if err != nil {
		return err
	}
	data, contentType, err := encodeExport(t, ds.ColumnSchema, format)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("exports/%s/%s.%s", ds.ID, uuid.New(), format)
	if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
		return Transient(fmt.Errorf("store export: %w", err))
	}

	var previous string
	err = s.store.InTx(ctx, func(tx Repository) error {
		locked, err := tx.LockDataset(ctx, ds.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errTargetGone
			}
			return err
		}
		previous = locked.StorageKeys[string(format)]
		if err := tx.SetDatasetStorageKey(ctx, ds.ID, string(format), key); err != nil {
			return err
		}
		return tx.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	})
	if err != nil {
		s.deleteBlob(ctx, key)
		if errors.Is(err, errTargetGone) || errors.Is(err, ErrJobSuperseded) {
			return err
		}
		return Transient(fmt.Errorf("commit export: %w", err))
	}

	if previous != "" && previous != key {
		s.deleteBlob(ctx, previous)
	}
	logging.WithFields(ctx, "job_id", job.ID, "dataset_id", ds.ID).
		Info("dataset exported", "format", format, "bytes", len(data))
	return nil
}

// Exports keep no state outside the job row.
func (h *exportHandler) retrying(context.Context, Repository, *Job, error) error { return nil }
func (h *exportHandler) fail(context.Context, Repository, *Job, error) error     { return nil }
