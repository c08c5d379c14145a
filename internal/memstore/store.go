package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// Statements outside InTx run one at a time against the live state.

func (s *Store) CreateTenant(ctx context.Context, t *core.Tenant) error {
	return s.do(func(r *repo) error { return r.CreateTenant(ctx, t) })
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	var v *core.Tenant
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetTenant(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) SetTenantUsage(ctx context.Context, id uuid.UUID, used int64) error {
	return s.do(func(r *repo) error { return r.SetTenantUsage(ctx, id, used) })
}

func (s *Store) CreateProject(ctx context.Context, p *core.Project) error {
	return s.do(func(r *repo) error { return r.CreateProject(ctx, p) })
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*core.Project, error) {
	var v *core.Project
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetProject(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) ListProjects(ctx context.Context, tenantID uuid.UUID, page core.Page) ([]core.Project, int, error) {
	var (
		v []core.Project
		n int
	)
	err := s.do(func(r *repo) error {
		var err error
		v, n, err = r.ListProjects(ctx, tenantID, page)
		return err
	})
	return v, n, err
}

func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	return s.do(func(r *repo) error { return r.DeleteProject(ctx, id) })
}

func (s *Store) CreateFile(ctx context.Context, f *core.File) error {
	return s.do(func(r *repo) error { return r.CreateFile(ctx, f) })
}

func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*core.File, error) {
	var v *core.File
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetFile(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) ListFiles(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.File, int, error) {
	var (
		v []core.File
		n int
	)
	err := s.do(func(r *repo) error {
		var err error
		v, n, err = r.ListFiles(ctx, projectID, page)
		return err
	})
	return v, n, err
}

func (s *Store) BeginProcessing(ctx context.Context, id uuid.UUID, progress int) (bool, error) {
	var v bool
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.BeginProcessing(ctx, id, progress)
		return err
	})
	return v, err
}

func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.do(func(r *repo) error { return r.UpdateProgress(ctx, id, progress) })
}

func (s *Store) MarkFileReady(ctx context.Context, id uuid.UUID, meta map[string]any, schema tabular.Schema) error {
	return s.do(func(r *repo) error { return r.MarkFileReady(ctx, id, meta, schema) })
}

func (s *Store) RecordFileFailure(ctx context.Context, id uuid.UUID, msg string, retryCount int, terminal bool) error {
	return s.do(func(r *repo) error { return r.RecordFileFailure(ctx, id, msg, retryCount, terminal) })
}

func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	return s.do(func(r *repo) error { return r.DeleteFile(ctx, id) })
}

func (s *Store) ListUnscheduledUploads(ctx context.Context, olderThan time.Time, limit int) ([]core.File, error) {
	var v []core.File
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.ListUnscheduledUploads(ctx, olderThan, limit)
		return err
	})
	return v, err
}

func (s *Store) CreateDataset(ctx context.Context, d *core.Dataset) error {
	return s.do(func(r *repo) error { return r.CreateDataset(ctx, d) })
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (*core.Dataset, error) {
	var v *core.Dataset
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetDataset(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) ListDatasets(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.Dataset, int, error) {
	var (
		v []core.Dataset
		n int
	)
	err := s.do(func(r *repo) error {
		var err error
		v, n, err = r.ListDatasets(ctx, projectID, page)
		return err
	})
	return v, n, err
}

func (s *Store) ListDatasetsByFile(ctx context.Context, fileID uuid.UUID) ([]core.Dataset, error) {
	var v []core.Dataset
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.ListDatasetsByFile(ctx, fileID)
		return err
	})
	return v, err
}

func (s *Store) FindDatasetByApplyKey(ctx context.Context, rootID uuid.UUID, key string) (*core.Dataset, error) {
	var v *core.Dataset
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.FindDatasetByApplyKey(ctx, rootID, key)
		return err
	})
	return v, err
}

func (s *Store) SetDatasetStorageKey(ctx context.Context, id uuid.UUID, format, key string) error {
	return s.do(func(r *repo) error { return r.SetDatasetStorageKey(ctx, id, format, key) })
}

func (s *Store) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	return s.do(func(r *repo) error { return r.DeleteDataset(ctx, id) })
}

func (s *Store) InsertOperation(ctx context.Context, op *core.CleaningOperation) error {
	return s.do(func(r *repo) error { return r.InsertOperation(ctx, op) })
}

func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (*core.CleaningOperation, error) {
	var v *core.CleaningOperation
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetOperation(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) ListOperationsByRoot(ctx context.Context, rootID uuid.UUID) ([]core.CleaningOperation, error) {
	var v []core.CleaningOperation
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.ListOperationsByRoot(ctx, rootID)
		return err
	})
	return v, err
}

func (s *Store) MarkOperationReverted(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	var v bool
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.MarkOperationReverted(ctx, id, by, at)
		return err
	})
	return v, err
}

func (s *Store) DeleteOperationsByDataset(ctx context.Context, datasetID uuid.UUID) error {
	return s.do(func(r *repo) error { return r.DeleteOperationsByDataset(ctx, datasetID) })
}

func (s *Store) CreatePrediction(ctx context.Context, p *core.Prediction) error {
	return s.do(func(r *repo) error { return r.CreatePrediction(ctx, p) })
}

func (s *Store) GetPrediction(ctx context.Context, id uuid.UUID) (*core.Prediction, error) {
	var v *core.Prediction
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetPrediction(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) ListPredictions(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.Prediction, int, error) {
	var (
		v []core.Prediction
		n int
	)
	err := s.do(func(r *repo) error {
		var err error
		v, n, err = r.ListPredictions(ctx, projectID, page)
		return err
	})
	return v, n, err
}

func (s *Store) UpdatePrediction(ctx context.Context, p *core.Prediction) error {
	return s.do(func(r *repo) error { return r.UpdatePrediction(ctx, p) })
}

func (s *Store) DeletePredictionsByDataset(ctx context.Context, datasetID uuid.UUID) ([]string, error) {
	var v []string
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.DeletePredictionsByDataset(ctx, datasetID)
		return err
	})
	return v, err
}

func (s *Store) CreateJob(ctx context.Context, j *core.Job) error {
	return s.do(func(r *repo) error { return r.CreateJob(ctx, j) })
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	var v *core.Job
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetJob(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) GetLatestJob(ctx context.Context, kind core.JobKind, targetID uuid.UUID) (*core.Job, error) {
	var v *core.Job
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.GetLatestJob(ctx, kind, targetID)
		return err
	})
	return v, err
}

func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID) (*core.Job, bool, error) {
	var (
		v *core.Job
		n bool
	)
	err := s.do(func(r *repo) error {
		var err error
		v, n, err = r.ClaimJob(ctx, id)
		return err
	})
	return v, n, err
}

func (s *Store) RequeueJob(ctx context.Context, id uuid.UUID, attempt int, runAfter time.Time, lastError string) error {
	return s.do(func(r *repo) error { return r.RequeueJob(ctx, id, attempt, runAfter, lastError) })
}

func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, attempt int, status core.JobStatus, lastError string) error {
	return s.do(func(r *repo) error { return r.FinishJob(ctx, id, attempt, status, lastError) })
}

func (s *Store) TouchJob(ctx context.Context, id uuid.UUID) error {
	return s.do(func(r *repo) error { return r.TouchJob(ctx, id) })
}

func (s *Store) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]core.Job, error) {
	var v []core.Job
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.ListStaleRunning(ctx, before, limit)
		return err
	})
	return v, err
}

func (s *Store) ListOverdueQueued(ctx context.Context, before time.Time, limit int) ([]core.Job, error) {
	var v []core.Job
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.ListOverdueQueued(ctx, before, limit)
		return err
	})
	return v, err
}

func (s *Store) DeleteJobsByTarget(ctx context.Context, targetID uuid.UUID) error {
	return s.do(func(r *repo) error { return r.DeleteJobsByTarget(ctx, targetID) })
}

func (s *Store) LockTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	var v *core.Tenant
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.LockTenant(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) LockFile(ctx context.Context, id uuid.UUID) (*core.File, error) {
	var v *core.File
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.LockFile(ctx, id)
		return err
	})
	return v, err
}

func (s *Store) LockDataset(ctx context.Context, id uuid.UUID) (*core.Dataset, error) {
	var v *core.Dataset
	err := s.do(func(r *repo) error {
		var err error
		v, err = r.LockDataset(ctx, id)
		return err
	})
	return v, err
}
