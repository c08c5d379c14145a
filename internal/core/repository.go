package core

import (
	"context"
	"io"
	"time"

	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

// Repository is the transactional record store. Lock* methods take a row
// lock that is held until the surrounding transaction ends; outside InTx
// they behave like Get*. Missing rows are reported with ErrNotFound.
type Repository interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	LockTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	SetTenantUsage(ctx context.Context, id uuid.UUID, usedBytes int64) error

	CreateProject(ctx context.Context, p *Project) error
	// GetProject fills FileCount and DatasetCount.
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	ListProjects(ctx context.Context, tenantID uuid.UUID, page Page) ([]Project, int, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error

	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	LockFile(ctx context.Context, id uuid.UUID) (*File, error)
	ListFiles(ctx context.Context, projectID uuid.UUID, page Page) ([]File, int, error)
	// BeginProcessing moves an uploaded or processing file to processing.
	// It reports false when the file is in any other state.
	BeginProcessing(ctx context.Context, id uuid.UUID, progress int) (bool, error)
	// UpdateProgress never lowers the stored progress.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	MarkFileReady(ctx context.Context, id uuid.UUID, meta map[string]any, schema tabular.Schema) error
	// RecordFileFailure stores the error and retry count on a file that is
	// not ready. terminal moves it to error; otherwise it stays processing.
	RecordFileFailure(ctx context.Context, id uuid.UUID, msg string, retryCount int, terminal bool) error
	DeleteFile(ctx context.Context, id uuid.UUID) error
	ListUnscheduledUploads(ctx context.Context, olderThan time.Time, limit int) ([]File, error)

	CreateDataset(ctx context.Context, d *Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID) (*Dataset, error)
	LockDataset(ctx context.Context, id uuid.UUID) (*Dataset, error)
	ListDatasets(ctx context.Context, projectID uuid.UUID, page Page) ([]Dataset, int, error)
	// ListDatasetsByFile orders by version ascending.
	ListDatasetsByFile(ctx context.Context, fileID uuid.UUID) ([]Dataset, error)
	FindDatasetByApplyKey(ctx context.Context, rootID uuid.UUID, key string) (*Dataset, error)
	SetDatasetStorageKey(ctx context.Context, id uuid.UUID, format, key string) error
	DeleteDataset(ctx context.Context, id uuid.UUID) error

	InsertOperation(ctx context.Context, op *CleaningOperation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*CleaningOperation, error)
	// ListOperationsByRoot returns a chain's log ordered by applied_at, sequence.
	ListOperationsByRoot(ctx context.Context, rootID uuid.UUID) ([]CleaningOperation, error)
	// MarkOperationReverted reports false when the operation was already reverted.
	MarkOperationReverted(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)
	DeleteOperationsByDataset(ctx context.Context, datasetID uuid.UUID) error

	CreatePrediction(ctx context.Context, p *Prediction) error
	GetPrediction(ctx context.Context, id uuid.UUID) (*Prediction, error)
	ListPredictions(ctx context.Context, projectID uuid.UUID, page Page) ([]Prediction, int, error)
	UpdatePrediction(ctx context.Context, p *Prediction) error
	// DeletePredictionsByDataset returns the artifact keys of the deleted rows.
	DeletePredictionsByDataset(ctx context.Context, datasetID uuid.UUID) ([]string, error)

	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	GetLatestJob(ctx context.Context, kind JobKind, targetID uuid.UUID) (*Job, error)
	// ClaimJob moves a queued job to running and increments attempts. It
	// reports false when the job was not queued.
	ClaimJob(ctx context.Context, id uuid.UUID) (*Job, bool, error)
	// RequeueJob and FinishJob only touch a job that is running the given
	// attempt. Otherwise they return ErrJobSuperseded and change nothing.
	RequeueJob(ctx context.Context, id uuid.UUID, attempt int, runAfter time.Time, lastError string) error
	FinishJob(ctx context.Context, id uuid.UUID, attempt int, status JobStatus, lastError string) error
	TouchJob(ctx context.Context, id uuid.UUID) error
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]Job, error)
	ListOverdueQueued(ctx context.Context, before time.Time, limit int) ([]Job, error)
	DeleteJobsByTarget(ctx context.Context, targetID uuid.UUID) error
}

// Store is a Repository that can run a function inside one transaction.
// The Repository passed to fn sees and locks only within that transaction.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(tx Repository) error) error
}

// BlobStore holds file content. The bucket is bound by the implementation.
type BlobStore interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Queue delivers job messages at least once.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	EnqueueAfter(ctx context.Context, msg Message, delay time.Duration) error
	// Dequeue blocks until a message is ready. It returns nil, nil when the
	// implementation's poll window elapses with nothing to deliver.
	Dequeue(ctx context.Context) (*Message, error)
}

// Extractor turns the raw bytes of one format into a table. progress
// receives 0..100 as the input is consumed.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader, size int64, progress func(pct int)) (*tabular.Table, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, r io.Reader, size int64, progress func(pct int)) (*tabular.Table, error)

func (f ExtractorFunc) Extract(ctx context.Context, r io.Reader, size int64, progress func(pct int)) (*tabular.Table, error) {
	return f(ctx, r, size, progress)
}

// TrainInput is everything a Trainer needs to fit one model.
type TrainInput struct {
	Table           *tabular.Table
	Schema          tabular.Schema
	Type            PredictionType
	Target          string
	Features        []string
	Algorithm       string
	Hyperparameters Hyperparameters
	ForecastHorizon int
}

// TrainOutput is the result of a successful fit.
type TrainOutput struct {
	Metrics  map[string]float64
	Results  map[string]any
	Artifact []byte
}

// Trainer fits a model. Errors wrapped in *CapabilityError control retry.
type Trainer interface {
	Fit(ctx context.Context, in TrainInput) (*TrainOutput, error)
}
