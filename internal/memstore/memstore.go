// Package memstore is an in-memory core.Store with the same locking and
// ordering semantics as the PostgreSQL repository. It backs tests and
// single-process runs.
//
// InTx serializes transactions behind one mutex and runs fn against a copy
// of the state that replaces the live state only when fn returns nil.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/tabular"
)

type state struct {
	tenants     map[uuid.UUID]core.Tenant
	projects    map[uuid.UUID]core.Project
	files       map[uuid.UUID]core.File
	datasets    map[uuid.UUID]core.Dataset
	operations  map[uuid.UUID]core.CleaningOperation
	predictions map[uuid.UUID]core.Prediction
	jobs        map[uuid.UUID]core.Job
}

func newState() *state {
	return &state{
		tenants:     map[uuid.UUID]core.Tenant{},
		projects:    map[uuid.UUID]core.Project{},
		files:       map[uuid.UUID]core.File{},
		datasets:    map[uuid.UUID]core.Dataset{},
		operations:  map[uuid.UUID]core.CleaningOperation{},
		predictions: map[uuid.UUID]core.Prediction{},
		jobs:        map[uuid.UUID]core.Job{},
	}
}

// clone copies the maps. Stored values are never mutated in place, so the
// values themselves can be shared.
func (s *state) clone() *state {
	return &state{
		tenants:     cloneMap(s.tenants),
		projects:    cloneMap(s.projects),
		files:       cloneMap(s.files),
		datasets:    cloneMap(s.datasets),
		operations:  cloneMap(s.operations),
		predictions: cloneMap(s.predictions),
		jobs:        cloneMap(s.jobs),
	}
}

func cloneMap[V any](m map[uuid.UUID]V) map[uuid.UUID]V {
	out := make(map[uuid.UUID]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is the in-memory core.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// WithClock overrides the timestamp source used for updated_at columns.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ core.Store = (*Store)(nil)

// InTx runs fn with exclusive access to a working copy of the state.
func (s *Store) InTx(ctx context.Context, fn func(tx core.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&repo{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// do runs fn against the live state under the mutex. Single statements
// outside InTx are atomic, as in PostgreSQL autocommit.
func (s *Store) do(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&repo{st: s.st, now: s.now})
}

// repo implements core.Repository over one state. It does no locking of
// its own: the owning Store holds the mutex for the duration of a call or
// transaction.
type repo struct {
	st  *state
	now func() time.Time
}

func (r *repo) ts() time.Time { return r.now().UTC() }

// --- tenants ---

func (r *repo) CreateTenant(_ context.Context, t *core.Tenant) error {
	if _, ok := r.st.tenants[t.ID]; ok {
		return core.Conflict("tenant %s already exists", t.ID)
	}
	r.st.tenants[t.ID] = *t
	return nil
}

func (r *repo) GetTenant(_ context.Context, id uuid.UUID) (*core.Tenant, error) {
	t, ok := r.st.tenants[id]
	if !ok {
		return nil, core.NotFound("tenant", id)
	}
	return &t, nil
}

func (r *repo) SetTenantUsage(_ context.Context, id uuid.UUID, used int64) error {
	t, ok := r.st.tenants[id]
	if !ok {
		return core.NotFound("tenant", id)
	}
	t.StorageUsedBytes = used
	t.UpdatedAt = r.ts()
	r.st.tenants[id] = t
	return nil
}

// --- projects ---

func (r *repo) CreateProject(_ context.Context, p *core.Project) error {
	if _, ok := r.st.tenants[p.TenantID]; !ok {
		return core.Validation("violates foreign key: tenant %s", p.TenantID)
	}
	if _, ok := r.st.projects[p.ID]; ok {
		return core.Conflict("project %s already exists", p.ID)
	}
	r.st.projects[p.ID] = *p
	return nil
}

func (r *repo) GetProject(_ context.Context, id uuid.UUID) (*core.Project, error) {
	p, ok := r.st.projects[id]
	if !ok {
		return nil, core.NotFound("project", id)
	}
	r.fillCounts(&p)
	return &p, nil
}

func (r *repo) fillCounts(p *core.Project) {
	p.FileCount, p.DatasetCount = 0, 0
	for _, f := range r.st.files {
		if f.ProjectID == p.ID {
			p.FileCount++
		}
	}
	for _, d := range r.st.datasets {
		if d.ProjectID == p.ID {
			p.DatasetCount++
		}
	}
}

func (r *repo) ListProjects(_ context.Context, tenantID uuid.UUID, page core.Page) ([]core.Project, int, error) {
	var out []core.Project
	for _, p := range r.st.projects {
		if p.TenantID == tenantID {
			r.fillCounts(&p)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, page), len(out), nil
}

func (r *repo) DeleteProject(_ context.Context, id uuid.UUID) error {
	if _, ok := r.st.projects[id]; !ok {
		return core.NotFound("project", id)
	}
	for _, f := range r.st.files {
		if f.ProjectID == id {
			return core.Conflict("violates foreign key: project %s still has files", id)
		}
	}
	for _, p := range r.st.predictions {
		if p.ProjectID == id {
			return core.Conflict("violates foreign key: project %s still has predictions", id)
		}
	}
	delete(r.st.projects, id)
	return nil
}

// --- files ---

func (r *repo) CreateFile(_ context.Context, f *core.File) error {
	if _, ok := r.st.projects[f.ProjectID]; !ok {
		return core.Validation("violates foreign key: project %s", f.ProjectID)
	}
	if _, ok := r.st.files[f.ID]; ok {
		return core.Conflict("file %s already exists", f.ID)
	}
	r.st.files[f.ID] = *f
	r.touchProject(f.ProjectID)
	return nil
}

func (r *repo) touchProject(id uuid.UUID) {
	if p, ok := r.st.projects[id]; ok {
		p.UpdatedAt = r.ts()
		r.st.projects[id] = p
	}
}

func (r *repo) GetFile(_ context.Context, id uuid.UUID) (*core.File, error) {
	f, ok := r.st.files[id]
	if !ok {
		return nil, core.NotFound("file", id)
	}
	return &f, nil
}

func (r *repo) ListFiles(_ context.Context, projectID uuid.UUID, page core.Page) ([]core.File, int, error) {
	var out []core.File
	for _, f := range r.st.files {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, page), len(out), nil
}

func (r *repo) BeginProcessing(_ context.Context, id uuid.UUID, progress int) (bool, error) {
	f, ok := r.st.files[id]
	if !ok {
		return false, core.NotFound("file", id)
	}
	if f.Status != core.FileUploaded && f.Status != core.FileProcessing {
		return false, nil
	}
	f.Status = core.FileProcessing
	if progress > f.Progress {
		f.Progress = progress
	}
	f.UpdatedAt = r.ts()
	r.st.files[id] = f
	return true, nil
}

func (r *repo) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	f, ok := r.st.files[id]
	if !ok {
		return core.NotFound("file", id)
	}
	if progress > f.Progress {
		f.Progress = progress
		f.UpdatedAt = r.ts()
		r.st.files[id] = f
	}
	return nil
}

func (r *repo) MarkFileReady(_ context.Context, id uuid.UUID, meta map[string]any, schema tabular.Schema) error {
	f, ok := r.st.files[id]
	if !ok {
		return core.NotFound("file", id)
	}
	f.Status = core.FileReady
	f.Progress = 100
	f.ErrorMessage = ""
	f.ExtractionMetadata = meta
	f.ExtractedSchema = schema
	f.UpdatedAt = r.ts()
	r.st.files[id] = f
	return nil
}

func (r *repo) RecordFileFailure(_ context.Context, id uuid.UUID, msg string, retryCount int, terminal bool) error {
	f, ok := r.st.files[id]
	if !ok {
		return core.NotFound("file", id)
	}
	if f.Status == core.FileReady {
		return nil
	}
	f.ErrorMessage = msg
	f.RetryCount = retryCount
	if terminal {
		f.Status = core.FileError
	} else {
		f.Status = core.FileProcessing
	}
	f.UpdatedAt = r.ts()
	r.st.files[id] = f
	return nil
}

func (r *repo) DeleteFile(_ context.Context, id uuid.UUID) error {
	if _, ok := r.st.files[id]; !ok {
		return core.NotFound("file", id)
	}
	for _, d := range r.st.datasets {
		if d.FileID == id {
			return core.Conflict("violates foreign key: file %s still has datasets", id)
		}
	}
	delete(r.st.files, id)
	return nil
}

func (r *repo) ListUnscheduledUploads(_ context.Context, olderThan time.Time, limit int) ([]core.File, error) {
	live := map[uuid.UUID]bool{}
	for _, j := range r.st.jobs {
		if j.Kind == core.JobExtraction && !j.Terminal() {
			live[j.TargetID] = true
		}
	}
	var out []core.File
	for _, f := range r.st.files {
		if f.Status == core.FileUploaded && f.CreatedAt.Before(olderThan) && !live[f.ID] {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return limitSlice(out, limit), nil
}

// --- datasets ---

func (r *repo) CreateDataset(_ context.Context, d *core.Dataset) error {
	if _, ok := r.st.files[d.FileID]; !ok {
		return core.Validation("violates foreign key: file %s", d.FileID)
	}
	if d.ParentDatasetID != nil {
		if _, ok := r.st.datasets[*d.ParentDatasetID]; !ok {
			return core.Validation("violates foreign key: parent dataset %s", *d.ParentDatasetID)
		}
	}
	if _, ok := r.st.datasets[d.ID]; ok {
		return core.Conflict("dataset %s already exists", d.ID)
	}
	if d.ApplyKey != "" {
		for _, other := range r.st.datasets {
			if other.RootDatasetID == d.RootDatasetID && other.ApplyKey == d.ApplyKey {
				return core.Conflict("violates unique constraint: apply key %q", d.ApplyKey)
			}
		}
	}
	r.st.datasets[d.ID] = *d
	r.touchProject(d.ProjectID)
	return nil
}

func (r *repo) GetDataset(_ context.Context, id uuid.UUID) (*core.Dataset, error) {
	d, ok := r.st.datasets[id]
	if !ok {
		return nil, core.NotFound("dataset", id)
	}
	return &d, nil
}

func (r *repo) ListDatasets(_ context.Context, projectID uuid.UUID, page core.Page) ([]core.Dataset, int, error) {
	var out []core.Dataset
	for _, d := range r.st.datasets {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, page), len(out), nil
}

func (r *repo) ListDatasetsByFile(_ context.Context, fileID uuid.UUID) ([]core.Dataset, error) {
	var out []core.Dataset
	for _, d := range r.st.datasets {
		if d.FileID == fileID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *repo) FindDatasetByApplyKey(_ context.Context, rootID uuid.UUID, key string) (*core.Dataset, error) {
	for _, d := range r.st.datasets {
		if d.RootDatasetID == rootID && d.ApplyKey == key && key != "" {
			return &d, nil
		}
	}
	return nil, core.NotFound("dataset with apply key", key)
}

func (r *repo) SetDatasetStorageKey(_ context.Context, id uuid.UUID, format, key string) error {
	d, ok := r.st.datasets[id]
	if !ok {
		return core.NotFound("dataset", id)
	}
	keys := make(map[string]string, len(d.StorageKeys)+1)
	for k, v := range d.StorageKeys {
		keys[k] = v
	}
	keys[format] = key
	d.StorageKeys = keys
	d.UpdatedAt = r.ts()
	r.st.datasets[id] = d
	return nil
}

func (r *repo) DeleteDataset(_ context.Context, id uuid.UUID) error {
	if _, ok := r.st.datasets[id]; !ok {
		return core.NotFound("dataset", id)
	}
	for _, d := range r.st.datasets {
		if d.ParentDatasetID != nil && *d.ParentDatasetID == id {
			return core.Conflict("violates foreign key: dataset %s has child versions", id)
		}
	}
	for _, op := range r.st.operations {
		if op.DatasetID == id || op.ResultDatasetID == id {
			return core.Conflict("violates foreign key: dataset %s has operations", id)
		}
	}
	delete(r.st.datasets, id)
	return nil
}

// --- cleaning operations ---

func (r *repo) InsertOperation(_ context.Context, op *core.CleaningOperation) error {
	if _, ok := r.st.datasets[op.DatasetID]; !ok {
		return core.Validation("violates foreign key: dataset %s", op.DatasetID)
	}
	if _, ok := r.st.datasets[op.ResultDatasetID]; !ok {
		return core.Validation("violates foreign key: dataset %s", op.ResultDatasetID)
	}
	if _, ok := r.st.operations[op.ID]; ok {
		return core.Conflict("operation %s already exists", op.ID)
	}
	r.st.operations[op.ID] = *op
	return nil
}

func (r *repo) GetOperation(_ context.Context, id uuid.UUID) (*core.CleaningOperation, error) {
	op, ok := r.st.operations[id]
	if !ok {
		return nil, core.NotFound("operation", id)
	}
	return &op, nil
}

func (r *repo) ListOperationsByRoot(_ context.Context, rootID uuid.UUID) ([]core.CleaningOperation, error) {
	var out []core.CleaningOperation
	for _, op := range r.st.operations {
		if op.RootDatasetID == rootID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.Before(out[j].AppliedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (r *repo) MarkOperationReverted(_ context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	op, ok := r.st.operations[id]
	if !ok {
		return false, core.NotFound("operation", id)
	}
	if op.RevertedAt != nil {
		return false, nil
	}
	at = at.UTC()
	op.RevertedAt = &at
	op.RevertedBy = by
	r.st.operations[id] = op
	return true, nil
}

func (r *repo) DeleteOperationsByDataset(_ context.Context, datasetID uuid.UUID) error {
	for id, op := range r.st.operations {
		if op.DatasetID == datasetID || op.ResultDatasetID == datasetID {
			delete(r.st.operations, id)
		}
	}
	return nil
}

// --- predictions ---

func (r *repo) CreatePrediction(_ context.Context, p *core.Prediction) error {
	if _, ok := r.st.datasets[p.DatasetID]; !ok {
		return core.Validation("violates foreign key: dataset %s", p.DatasetID)
	}
	if _, ok := r.st.predictions[p.ID]; ok {
		return core.Conflict("prediction %s already exists", p.ID)
	}
	r.st.predictions[p.ID] = *p
	return nil
}

func (r *repo) GetPrediction(_ context.Context, id uuid.UUID) (*core.Prediction, error) {
	p, ok := r.st.predictions[id]
	if !ok {
		return nil, core.NotFound("prediction", id)
	}
	return &p, nil
}

func (r *repo) ListPredictions(_ context.Context, projectID uuid.UUID, page core.Page) ([]core.Prediction, int, error) {
	var out []core.Prediction
	for _, p := range r.st.predictions {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, page), len(out), nil
}

func (r *repo) UpdatePrediction(_ context.Context, p *core.Prediction) error {
	if _, ok := r.st.predictions[p.ID]; !ok {
		return core.NotFound("prediction", p.ID)
	}
	r.st.predictions[p.ID] = *p
	return nil
}

func (r *repo) DeletePredictionsByDataset(_ context.Context, datasetID uuid.UUID) ([]string, error) {
	var keys []string
	for id, p := range r.st.predictions {
		if p.DatasetID != datasetID {
			continue
		}
		if p.ArtifactKey != "" {
			keys = append(keys, p.ArtifactKey)
		}
		delete(r.st.predictions, id)
		for jid, j := range r.st.jobs {
			if j.TargetID == id {
				delete(r.st.jobs, jid)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// --- jobs ---

func (r *repo) CreateJob(_ context.Context, j *core.Job) error {
	if _, ok := r.st.jobs[j.ID]; ok {
		return core.Conflict("job %s already exists", j.ID)
	}
	r.st.jobs[j.ID] = *j
	return nil
}

func (r *repo) GetJob(_ context.Context, id uuid.UUID) (*core.Job, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return nil, core.NotFound("job", id)
	}
	return &j, nil
}

func (r *repo) GetLatestJob(_ context.Context, kind core.JobKind, targetID uuid.UUID) (*core.Job, error) {
	var latest *core.Job
	for _, j := range r.st.jobs {
		if j.Kind != kind || j.TargetID != targetID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return nil, core.NotFound(string(kind)+" job for", targetID)
	}
	return latest, nil
}

func (r *repo) ClaimJob(_ context.Context, id uuid.UUID) (*core.Job, bool, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return nil, false, core.NotFound("job", id)
	}
	if j.Status != core.JobQueued {
		return nil, false, nil
	}
	j.Status = core.JobRunning
	j.Attempts++
	j.UpdatedAt = r.ts()
	r.st.jobs[id] = j
	return &j, true, nil
}

// runningAttempt returns the job if it is still running attempt.
func (r *repo) runningAttempt(id uuid.UUID, attempt int) (core.Job, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return core.Job{}, core.NotFound("job", id)
	}
	if j.Status != core.JobRunning || j.Attempts != attempt {
		return core.Job{}, core.ErrJobSuperseded
	}
	return j, nil
}

func (r *repo) RequeueJob(_ context.Context, id uuid.UUID, attempt int, runAfter time.Time, lastError string) error {
	j, err := r.runningAttempt(id, attempt)
	if err != nil {
		return err
	}
	j.Status = core.JobQueued
	j.RunAfter = runAfter.UTC()
	j.LastError = lastError
	j.UpdatedAt = r.ts()
	r.st.jobs[id] = j
	return nil
}

func (r *repo) FinishJob(_ context.Context, id uuid.UUID, attempt int, status core.JobStatus, lastError string) error {
	j, err := r.runningAttempt(id, attempt)
	if err != nil {
		return err
	}
	now := r.ts()
	j.Status = status
	if lastError != "" {
		j.LastError = lastError
	}
	j.UpdatedAt = now
	j.FinishedAt = &now
	r.st.jobs[id] = j
	return nil
}

func (r *repo) TouchJob(_ context.Context, id uuid.UUID) error {
	j, ok := r.st.jobs[id]
	if !ok {
		return core.NotFound("job", id)
	}
	j.UpdatedAt = r.ts()
	r.st.jobs[id] = j
	return nil
}

func (r *repo) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]core.Job, error) {
	return r.listJobs(func(j core.Job) bool {
		return j.Status == core.JobRunning && j.UpdatedAt.Before(before)
	}, limit), nil
}

func (r *repo) ListOverdueQueued(_ context.Context, before time.Time, limit int) ([]core.Job, error) {
	return r.listJobs(func(j core.Job) bool {
		return j.Status == core.JobQueued && j.RunAfter.Before(before)
	}, limit), nil
}

func (r *repo) listJobs(match func(core.Job) bool, limit int) []core.Job {
	var out []core.Job
	for _, j := range r.st.jobs {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return limitSlice(out, limit)
}

func (r *repo) DeleteJobsByTarget(_ context.Context, targetID uuid.UUID) error {
	for id, j := range r.st.jobs {
		if j.TargetID == targetID {
			delete(r.st.jobs, id)
		}
	}
	return nil
}

// Lock* take no extra lock: the Store mutex already serializes transactions.

func (r *repo) LockTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	return r.GetTenant(ctx, id)
}

func (r *repo) LockFile(ctx context.Context, id uuid.UUID) (*core.File, error) {
	return r.GetFile(ctx, id)
}

func (r *repo) LockDataset(ctx context.Context, id uuid.UUID) (*core.Dataset, error) {
	return r.GetDataset(ctx, id)
}

func paginate[T any](items []T, page core.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
