package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/datamorph/internal/core"
)

// ============================================================================
// Predictions
// ============================================================================

const predictionColumns = `id, dataset_id, project_id, user_id, name, prediction_type, target_column,
	feature_columns, model_algorithm, hyperparameters, forecast_horizon, model_metrics,
	prediction_results, model_artifact_key, status, training_duration_seconds, job_id,
	created_at, completed_at`

func scanPrediction(row pgx.Row) (*core.Prediction, error) {
	var p core.Prediction
	err := row.Scan(&p.ID, &p.DatasetID, &p.ProjectID, &p.UserID, &p.Name, &p.Type,
		&p.TargetColumn, &p.FeatureColumns, &p.Algorithm, &p.Hyperparameters, &p.ForecastHorizon,
		&p.Metrics, &p.Results, &p.ArtifactKey, &p.Status, &p.TrainingDurationSeconds, &p.JobID,
		&p.CreatedAt, &p.CompletedAt)
	return &p, err
}

func (q *Queries) CreatePrediction(ctx context.Context, p *core.Prediction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO predictions (`+predictionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.ID, p.DatasetID, p.ProjectID, p.UserID, p.Name, p.Type, p.TargetColumn,
		p.FeatureColumns, p.Algorithm, p.Hyperparameters, p.ForecastHorizon, p.Metrics,
		p.Results, p.ArtifactKey, p.Status, p.TrainingDurationSeconds, p.JobID,
		p.CreatedAt, p.CompletedAt)
	return mapError(err, "prediction", p.ID)
}

func (q *Queries) GetPrediction(ctx context.Context, id uuid.UUID) (*core.Prediction, error) {
	p, err := scanPrediction(q.db.QueryRow(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "prediction", id)
	}
	return p, nil
}

func (q *Queries) ListPredictions(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.Prediction, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM predictions WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+predictionColumns+` FROM predictions
		WHERE project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collect(rows, scanPrediction)
	return out, total, err
}

func (q *Queries) UpdatePrediction(ctx context.Context, p *core.Prediction) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE predictions
		SET status = $2, model_metrics = $3, prediction_results = $4, model_artifact_key = $5,
		    training_duration_seconds = $6, completed_at = $7
		WHERE id = $1`,
		p.ID, p.Status, p.Metrics, p.Results, p.ArtifactKey, p.TrainingDurationSeconds, p.CompletedAt)
	if err != nil {
		return mapError(err, "prediction", p.ID)
	}
	return expectRow(tag, "prediction", p.ID)
}

func (q *Queries) DeletePredictionsByDataset(ctx context.Context, datasetID uuid.UUID) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		WITH gone AS (
		    DELETE FROM predictions WHERE dataset_id = $1
		    RETURNING id, model_artifact_key
		), jobs_gone AS (
		    DELETE FROM jobs WHERE target_id IN (SELECT id FROM gone)
		)
		SELECT model_artifact_key FROM gone
		WHERE model_artifact_key <> ''
		ORDER BY model_artifact_key`, datasetID)
	if err != nil {
		return nil, mapError(err, "prediction", datasetID)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, kind, target_id, tenant_id, status, attempts, max_attempts, last_error,
	params, run_after, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*core.Job, error) {
	var j core.Job
	err := row.Scan(&j.ID, &j.Kind, &j.TargetID, &j.TenantID, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.LastError, &j.Params, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt,
		&j.FinishedAt)
	return &j, err
}

func (q *Queries) CreateJob(ctx context.Context, j *core.Job) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.Kind, j.TargetID, j.TenantID, j.Status, j.Attempts, j.MaxAttempts, j.LastError,
		j.Params, j.RunAfter, j.CreatedAt, j.UpdatedAt, j.FinishedAt)
	return mapError(err, "job", j.ID)
}

func (q *Queries) GetJob(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "job", id)
	}
	return j, nil
}

func (q *Queries) GetLatestJob(ctx context.Context, kind core.JobKind, targetID uuid.UUID) (*core.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = $1 AND target_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, kind, targetID))
	if err != nil {
		return nil, mapError(err, string(kind)+" job for", targetID)
	}
	return j, nil
}

// ClaimJob is the conditional queued -> running transition. Zero rows
// means another delivery already claimed it.
func (q *Queries) ClaimJob(ctx context.Context, id uuid.UUID) (*core.Job, bool, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapError(err, "job", id)
	}
	if _, err := q.GetJob(ctx, id); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (q *Queries) RequeueJob(ctx context.Context, id uuid.UUID, attempt int, runAfter time.Time, lastError string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', run_after = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, runAfter, lastError)
	if err != nil {
		return mapError(err, "job", id)
	}
	return q.expectAttempt(ctx, tag, id)
}

func (q *Queries) FinishJob(ctx context.Context, id uuid.UUID, attempt int, status core.JobStatus, lastError string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END,
		    updated_at = now(), finished_at = now()
		WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, status, lastError)
	if err != nil {
		return mapError(err, "job", id)
	}
	return q.expectAttempt(ctx, tag, id)
}

// expectAttempt tells a missing job apart from one that moved past the
// attempt a conditional update expected.
func (q *Queries) expectAttempt(ctx context.Context, tag pgconn.CommandTag, id uuid.UUID) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := q.GetJob(ctx, id); err != nil {
		return err
	}
	return core.ErrJobSuperseded
}

func (q *Queries) TouchJob(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE jobs SET updated_at = now() WHERE id = $1`, id)
	return mapError(err, "job", id)
}

func (q *Queries) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]core.Job, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJob)
}

func (q *Queries) ListOverdueQueued(ctx context.Context, before time.Time, limit int) ([]core.Job, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND run_after < $1
		ORDER BY run_after, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJob)
}

func (q *Queries) DeleteJobsByTarget(ctx context.Context, targetID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE target_id = $1`, targetID)
	return mapError(err, "job", targetID)
}
