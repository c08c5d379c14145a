package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/google/uuid"
)

// DefaultForecastHorizon is used for time series predictions without one.
const DefaultForecastHorizon = 30

// Hyperparameters are the fitting knobs of a prediction. Keys without a
// typed field are kept in Extra and passed through to the trainer.
type Hyperparameters struct {
	TestSplit     float64        `json:"test_split,omitempty"`
	Seed          int64          `json:"random_state,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	NClusters     int            `json:"n_clusters,omitempty"`
	Extra         map[string]any `json:"-"`
}

type hyperparametersAlias Hyperparameters

// UnmarshalJSON decodes typed keys and collects the rest into Extra.
func (h *Hyperparameters) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*h = Hyperparameters{}
		return nil
	}
	var a hyperparametersAlias
	if err := json.Unmarshal(raw, &a); err != nil {
		return Validation("invalid hyperparameters: %v", err)
	}
	extra, err := unknownKeys(raw, &a)
	if err != nil {
		return Validation("invalid hyperparameters: %v", err)
	}
	a.Extra = extra
	*h = Hyperparameters(a)
	return nil
}

// MarshalJSON writes typed keys merged over Extra.
func (h Hyperparameters) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(hyperparametersAlias(h))
	if err != nil {
		return nil, err
	}
	if len(h.Extra) == 0 {
		return typed, nil
	}
	merged := make(map[string]any, len(h.Extra)+4)
	for k, v := range h.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (h Hyperparameters) validate() error {
	if h.TestSplit < 0 || h.TestSplit >= 1 {
		return Validation("test_split must be in [0, 1)")
	}
	if h.MaxIterations < 0 {
		return Validation("max_iterations must not be negative")
	}
	if h.NClusters < 0 {
		return Validation("n_clusters must not be negative")
	}
	return nil
}

// PredictionRequest describes a model to train.
type PredictionRequest struct {
	Name            string          `json:"name"`
	Type            PredictionType  `json:"prediction_type"`
	TargetColumn    string          `json:"target_column"`
	FeatureColumns  []string        `json:"feature_columns"`
	Algorithm       string          `json:"model_algorithm"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	ForecastHorizon int             `json:"forecast_horizon"`
}

func validPredictionType(t PredictionType) bool {
	switch t {
	case PredictionRegression, PredictionClassification, PredictionTimeSeries, PredictionClustering:
		return true
	}
	return false
}

// CreatePrediction validates the request against the dataset's columns,
// records the prediction and queues its training.
func (s *Service) CreatePrediction(ctx context.Context, datasetID, tenantID uuid.UUID, userID string, req PredictionRequest) (*Prediction, error) {
	if !validPredictionType(req.Type) {
		return nil, Validation("invalid enum prediction_type %q", req.Type)
	}
	if err := req.Hyperparameters.validate(); err != nil {
		return nil, err
	}
	if req.ForecastHorizon < 0 {
		return nil, Validation("forecast_horizon must not be negative")
	}

	ds, err := s.ownedDataset(ctx, datasetID, tenantID)
	if err != nil {
		return nil, err
	}

	has := func(c string) bool { _, ok := ds.ColumnSchema[c]; return ok }
	if req.Type != PredictionClustering {
		if req.TargetColumn == "" {
			return nil, Validation("target_column is required for %s", req.Type)
		}
		if !has(req.TargetColumn) {
			return nil, Validation("column not found: %s", req.TargetColumn)
		}
	}
	features := req.FeatureColumns
	if len(features) == 0 {
		for _, c := range ds.Columns {
			if c != req.TargetColumn {
				features = append(features, c)
			}
		}
	}
	for _, c := range features {
		if !has(c) {
			return nil, Validation("column not found: %s", c)
		}
		if c == req.TargetColumn {
			return nil, Validation("target column %s cannot also be a feature", c)
		}
	}
	if len(features) == 0 {
		return nil, Validation("at least one feature column is required")
	}

	horizon := req.ForecastHorizon
	if req.Type == PredictionTimeSeries && horizon == 0 {
		horizon = DefaultForecastHorizon
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", ds.Name, req.Type)
	}
	if userID == "" {
		userID = tenantID.String()
	}

	p := &Prediction{
		ID:              uuid.New(),
		DatasetID:       ds.ID,
		ProjectID:       ds.ProjectID,
		UserID:          userID,
		Name:            name,
		Type:            req.Type,
		TargetColumn:    req.TargetColumn,
		FeatureColumns:  features,
		Algorithm:       req.Algorithm,
		Hyperparameters: req.Hyperparameters,
		ForecastHorizon: horizon,
		Status:          PredictionQueued,
		CreatedAt:       s.now(),
	}
	job := s.newJob(JobTraining, p.ID, tenantID, nil)
	p.JobID = job.ID

	err = s.store.InTx(ctx, func(tx Repository) error {
		if err := tx.CreatePrediction(ctx, p); err != nil {
			return err
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	s.submit(ctx, job)
	s.audit(ctx, AuditEvent{
		Action:   ActionTrainRequest,
		TenantID: tenantID,
		UserID:   userID,
		EntityID: p.ID,
		Detail:   string(p.Type),
	})
	return p, nil
}

// GetPrediction returns a prediction owned by the tenant.
func (s *Service) GetPrediction(ctx context.Context, id, tenantID uuid.UUID) (*Prediction, error) {
	p, err := s.store.GetPrediction(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedProject(ctx, s.store, p.ProjectID, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFound("prediction", id)
		}
		return nil, err
	}
	return p, nil
}

// ListPredictions returns a project's predictions, newest first.
func (s *Service) ListPredictions(ctx context.Context, projectID, tenantID uuid.UUID, page Page) ([]Prediction, int, error) {
	if _, err := s.ownedProject(ctx, s.store, projectID, tenantID); err != nil {
		return nil, 0, err
	}
	return s.store.ListPredictions(ctx, projectID, page.Normalize())
}

func modelArtifactKey(id uuid.UUID) string {
	return fmt.Sprintf("models/%s/model.json", id)
}

type trainingHandler struct{ s *Service }

func (h *trainingHandler) run(ctx context.Context, job *Job) error {
	s := h.s
	p, err := s.store.GetPrediction(ctx, job.TargetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errTargetGone
		}
		return Transient(err)
	}
	switch p.Status {
	case PredictionCompleted:
		return s.store.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	case PredictionFailed:
		return s.store.FinishJob(ctx, job.ID, job.Attempts, JobFailed, "prediction already failed")
	}

	p.Status = PredictionTraining
	if err := s.store.UpdatePrediction(ctx, p); err != nil {
		return Transient(err)
	}

	if s.trainer == nil {
		return &CapabilityError{Capability: "train", Err: errors.New("no trainer configured")}
	}
	ds, err := s.store.GetDataset(ctx, p.DatasetID)
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

	start := s.now()
	out, err := s.trainer.Fit(ctx, TrainInput{
		Table:           t,
		Schema:          ds.ColumnSchema,
		Type:            p.Type,
		Target:          p.TargetColumn,
		Features:        p.FeatureColumns,
		Algorithm:       p.Algorithm,
		Hyperparameters: p.Hyperparameters,
		ForecastHorizon: p.ForecastHorizon,
	})
	if err != nil {
		return err
	}
	finished := s.now()

	var artifactKey string
	if len(out.Artifact) > 0 {
		artifactKey = modelArtifactKey(p.ID)
		if err := s.blobs.Put(ctx, artifactKey, out.Artifact, "application/json"); err != nil {
			return Transient(fmt.Errorf("store model artifact: %w", err))
		}
	}

	err = s.store.InTx(ctx, func(tx Repository) error {
		cur, err := tx.GetPrediction(ctx, p.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errTargetGone
			}
			return err
		}
		cur.Status = PredictionCompleted
		cur.Metrics = out.Metrics
		cur.Results = out.Results
		cur.ArtifactKey = artifactKey
		cur.TrainingDurationSeconds = int(finished.Sub(start).Seconds())
		cur.CompletedAt = &finished
		if err := tx.UpdatePrediction(ctx, cur); err != nil {
			return err
		}
		return tx.FinishJob(ctx, job.ID, job.Attempts, JobSucceeded, "")
	})
	if err != nil {
		s.deleteBlob(ctx, artifactKey)
		if errors.Is(err, errTargetGone) || errors.Is(err, ErrJobSuperseded) {
			return err
		}
		return Transient(fmt.Errorf("commit training: %w", err))
	}

	logging.WithFields(ctx, "job_id", job.ID, "prediction_id", p.ID).
		Info("model trained", "type", p.Type, "metrics", len(out.Metrics))
	return nil
}

// retrying puts a training prediction back to queued. A prediction that
// already settled keeps its state.
func (h *trainingHandler) retrying(ctx context.Context, repo Repository, job *Job, _ error) error {
	p, err := repo.GetPrediction(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if p.Status == PredictionCompleted || p.Status == PredictionFailed {
		return nil
	}
	p.Status = PredictionQueued
	return repo.UpdatePrediction(ctx, p)
}

// fail marks the prediction failed and records the error in its results,
// leaving any metrics in place.
func (h *trainingHandler) fail(ctx context.Context, repo Repository, job *Job, cause error) error {
	p, err := repo.GetPrediction(ctx, job.TargetID)
	if err != nil {
		return err
	}
	results := make(map[string]any, len(p.Results)+1)
	for k, v := range p.Results {
		results[k] = v
	}
	results["error"] = errorSummary(cause)
	p.Results = results
	p.Status = PredictionFailed
	return repo.UpdatePrediction(ctx, p)
}
