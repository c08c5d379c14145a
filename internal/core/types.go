package core

import (
	"time"

	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

// Tier is a tenant's subscription class. It determines the storage quota.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierTeam         Tier = "team"
	TierEnterprise   Tier = "enterprise"
)

const (
	mib int64 = 1 << 20
	gib int64 = 1 << 30
)

var tierLimits = map[Tier]int64{
	TierStarter:      500 * mib,
	TierProfessional: 10 * gib,
	TierTeam:         50 * gib,
	TierEnterprise:   500 * gib,
}

// Limit returns the storage quota in bytes. Unknown tiers get the starter quota.
func (t Tier) Limit() int64 {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierStarter]
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLimits[t]; !ok {
		return "", Validation("unknown tier %q", s)
	}
	return t, nil
}

// Tenant owns projects and carries the storage usage counter.
type Tenant struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Tier             Tier      `json:"tier"`
	StorageUsedBytes int64     `json:"storage_used_bytes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Usage is the quota view returned to API callers.
type Usage struct {
	Tier       Tier  `json:"tier"`
	UsedBytes  int64 `json:"used_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}

// Project groups a tenant's files, datasets and predictions.
type Project struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	FileCount    int       `json:"file_count"`
	DatasetCount int       `json:"dataset_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileStatus is the extraction state of an uploaded file.
type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileReady      FileStatus = "ready"
	FileError      FileStatus = "error"
)

// Format is the detected content format of a file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatExcel   Format = "excel"
	FormatJSON    Format = "json"
	FormatPDF     Format = "pdf"
	FormatImage   Format = "image"
	FormatParquet Format = "parquet"
	FormatUnknown Format = "unknown"
)

// File is one uploaded blob and its extraction state.
type File struct {
	ID                 uuid.UUID      `json:"id"`
	ProjectID          uuid.UUID      `json:"project_id"`
	TenantID           uuid.UUID      `json:"tenant_id"`
	Filename           string         `json:"filename"`
	SizeBytes          int64          `json:"size_bytes"`
	MimeType           string         `json:"mime_type"`
	Format             Format         `json:"detected_format"`
	Confidence         float64        `json:"confidence"`
	StorageBucket      string         `json:"storage_bucket"`
	StorageKey         string         `json:"storage_key"`
	Status             FileStatus     `json:"status"`
	Progress           int            `json:"progress"`
	RetryCount         int            `json:"retry_count"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ExtractionMetadata map[string]any `json:"extraction_metadata,omitempty"`
	ExtractedSchema    tabular.Schema `json:"extracted_schema,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Dataset is one immutable, versioned tabular view of a file.
type Dataset struct {
	ID              uuid.UUID              `json:"id"`
	ProjectID       uuid.UUID              `json:"project_id"`
	FileID          uuid.UUID              `json:"file_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	RowCount        int                    `json:"row_count"`
	ColumnCount     int                    `json:"column_count"`
	Columns         []string               `json:"columns"`
	ColumnSchema    tabular.Schema         `json:"column_schema"`
	QualityScore    int                    `json:"quality_score"`
	QualityDetails  tabular.QualityDetails `json:"quality_details"`
	DataKey         string                 `json:"-"`
	StorageKeys     map[string]string      `json:"storage_keys,omitempty"`
	Version         int                    `json:"version"`
	ParentDatasetID *uuid.UUID             `json:"parent_dataset_id"`
	RootDatasetID   uuid.UUID              `json:"root_dataset_id"`
	ApplyKey        string                 `json:"-"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// CleaningOperation records one transformation applied to a dataset version.
// DatasetID is the version it was applied against; ResultDatasetID is the
// version the batch produced.
type CleaningOperation struct {
	ID              uuid.UUID  `json:"id"`
	DatasetID       uuid.UUID  `json:"dataset_id"`
	ResultDatasetID uuid.UUID  `json:"result_dataset_id"`
	RootDatasetID   uuid.UUID  `json:"root_dataset_id"`
	Sequence        int        `json:"sequence"`
	UserID          string     `json:"user_id"`
	Op              Operation  `json:"operation"`
	RowsBefore      int        `json:"rows_before"`
	RowsAfter       int        `json:"rows_after"`
	QualityBefore   int        `json:"quality_before"`
	QualityAfter    int        `json:"quality_after"`
	AppliedAt       time.Time  `json:"applied_at"`
	RevertedAt      *time.Time `json:"reverted_at,omitempty"`
	RevertedBy      string     `json:"reverted_by,omitempty"`
}

// Active reports whether the operation has not been reverted.
func (o *CleaningOperation) Active() bool { return o.RevertedAt == nil }

// PredictionType selects the kind of model a prediction trains.
type PredictionType string

const (
	PredictionRegression     PredictionType = "regression"
	PredictionClassification PredictionType = "classification"
	PredictionTimeSeries     PredictionType = "time_series"
	PredictionClustering     PredictionType = "clustering"
)

// PredictionStatus is the training state of a prediction.
type PredictionStatus string

const (
	PredictionQueued    PredictionStatus = "queued"
	PredictionTraining  PredictionStatus = "training"
	PredictionCompleted PredictionStatus = "completed"
	PredictionFailed    PredictionStatus = "failed"
)

// Prediction is a model trained against one dataset version.
type Prediction struct {
	ID                      uuid.UUID          `json:"id"`
	DatasetID               uuid.UUID          `json:"dataset_id"`
	ProjectID               uuid.UUID          `json:"project_id"`
	UserID                  string             `json:"user_id"`
	Name                    string             `json:"name"`
	Type                    PredictionType     `json:"prediction_type"`
	TargetColumn            string             `json:"target_column"`
	FeatureColumns          []string           `json:"feature_columns"`
	Algorithm               string             `json:"model_algorithm,omitempty"`
	Hyperparameters         Hyperparameters    `json:"hyperparameters"`
	ForecastHorizon         int                `json:"forecast_horizon,omitempty"`
	Metrics                 map[string]float64 `json:"model_metrics,omitempty"`
	Results                 map[string]any     `json:"prediction_results,omitempty"`
	ArtifactKey             string             `json:"model_artifact_key,omitempty"`
	Status                  PredictionStatus   `json:"status"`
	TrainingDurationSeconds int                `json:"training_duration_seconds,omitempty"`
	JobID                   uuid.UUID          `json:"job_id"`
	CreatedAt               time.Time          `json:"created_at"`
	CompletedAt             *time.Time         `json:"completed_at,omitempty"`
}

// JobKind names the background runner a job belongs to.
type JobKind string

const (
	JobExtraction JobKind = "extraction"
	JobExport     JobKind = "export"
	JobTraining   JobKind = "training"
)

// JobStatus is the uniform state of a background job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is the persisted state shared by extraction, export and training work.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	Kind        JobKind           `json:"kind"`
	TargetID    uuid.UUID         `json:"target_id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	Status      JobStatus         `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	RunAfter    time.Time         `json:"run_after"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached succeeded or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// Message is the queue payload that triggers a job attempt.
type Message struct {
	Kind     JobKind   `json:"kind"`
	JobID    uuid.UUID `json:"job_id"`
	TargetID uuid.UUID `json:"target_id"`
}

// DefaultPageSize is used when a list request does not specify a limit.
const DefaultPageSize = 50

// MaxPageSize bounds list requests.
const MaxPageSize = 500

// Page selects a window of a list ordered by the repository.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
