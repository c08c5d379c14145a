package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/datamorph/internal/core"
)

// ============================================================================
// Datasets
// ============================================================================

const datasetColumns = `id, project_id, file_id, name, description, row_count, column_count,
	columns, column_schema, quality_score, quality_details, data_key, storage_keys, version,
	parent_dataset_id, root_dataset_id, COALESCE(apply_key, ''), created_at, updated_at`

func scanDataset(row pgx.Row) (*core.Dataset, error) {
	var d core.Dataset
	err := row.Scan(&d.ID, &d.ProjectID, &d.FileID, &d.Name, &d.Description, &d.RowCount,
		&d.ColumnCount, &d.Columns, &d.ColumnSchema, &d.QualityScore, &d.QualityDetails,
		&d.DataKey, &d.StorageKeys, &d.Version, &d.ParentDatasetID, &d.RootDatasetID,
		&d.ApplyKey, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (q *Queries) CreateDataset(ctx context.Context, d *core.Dataset) error {
	storageKeys := d.StorageKeys
	if storageKeys == nil {
		storageKeys = map[string]string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO datasets (id, project_id, file_id, name, description, row_count, column_count,
			columns, column_schema, quality_score, quality_details, data_key, storage_keys, version,
			parent_dataset_id, root_dataset_id, apply_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			NULLIF($17, ''), $18, $19)`,
		d.ID, d.ProjectID, d.FileID, d.Name, d.Description, d.RowCount, d.ColumnCount,
		d.Columns, d.ColumnSchema, d.QualityScore, d.QualityDetails, d.DataKey, storageKeys,
		d.Version, d.ParentDatasetID, d.RootDatasetID, d.ApplyKey, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return mapError(err, "dataset", d.ID)
	}
	return q.touchProject(ctx, d.ProjectID)
}

func (q *Queries) GetDataset(ctx context.Context, id uuid.UUID) (*core.Dataset, error) {
	d, err := scanDataset(q.db.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "dataset", id)
	}
	return d, nil
}

func (q *Queries) LockDataset(ctx context.Context, id uuid.UUID) (*core.Dataset, error) {
	d, err := scanDataset(q.db.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "dataset", id)
	}
	return d, nil
}

func (q *Queries) ListDatasets(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.Dataset, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM datasets WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+datasetColumns+` FROM datasets
		WHERE project_id = $1
		ORDER BY created_at DESC, version DESC, id
		LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collect(rows, scanDataset)
	return out, total, err
}

func (q *Queries) ListDatasetsByFile(ctx context.Context, fileID uuid.UUID) ([]core.Dataset, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+datasetColumns+` FROM datasets
		WHERE file_id = $1
		ORDER BY version, created_at`, fileID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDataset)
}

func (q *Queries) FindDatasetByApplyKey(ctx context.Context, rootID uuid.UUID, key string) (*core.Dataset, error) {
	d, err := scanDataset(q.db.QueryRow(ctx, `
		SELECT `+datasetColumns+` FROM datasets
		WHERE root_dataset_id = $1 AND apply_key = $2`, rootID, key))
	if err != nil {
		return nil, mapError(err, "dataset with apply key", key)
	}
	return d, nil
}

func (q *Queries) SetDatasetStorageKey(ctx context.Context, id uuid.UUID, format, key string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE datasets
		SET storage_keys = storage_keys || jsonb_build_object($2::text, $3::text), updated_at = now()
		WHERE id = $1`, id, format, key)
	if err != nil {
		return mapError(err, "dataset", id)
	}
	return expectRow(tag, "dataset", id)
}

func (q *Queries) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "dataset", id)
	}
	return expectRow(tag, "dataset", id)
}

// ============================================================================
// Cleaning operations
// ============================================================================

const operationColumns = `id, dataset_id, result_dataset_id, root_dataset_id, sequence, user_id,
	operation, rows_before, rows_after, quality_before, quality_after, applied_at, reverted_at,
	reverted_by`

func scanOperation(row pgx.Row) (*core.CleaningOperation, error) {
	var op core.CleaningOperation
	err := row.Scan(&op.ID, &op.DatasetID, &op.ResultDatasetID, &op.RootDatasetID, &op.Sequence,
		&op.UserID, &op.Op, &op.RowsBefore, &op.RowsAfter, &op.QualityBefore, &op.QualityAfter,
		&op.AppliedAt, &op.RevertedAt, &op.RevertedBy)
	return &op, err
}

func (q *Queries) InsertOperation(ctx context.Context, op *core.CleaningOperation) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO cleaning_operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID, op.DatasetID, op.ResultDatasetID, op.RootDatasetID, op.Sequence, op.UserID,
		op.Op, op.RowsBefore, op.RowsAfter, op.QualityBefore, op.QualityAfter, op.AppliedAt,
		op.RevertedAt, op.RevertedBy)
	return mapError(err, "operation", op.ID)
}

func (q *Queries) GetOperation(ctx context.Context, id uuid.UUID) (*core.CleaningOperation, error) {
	op, err := scanOperation(q.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM cleaning_operations WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "operation", id)
	}
	return op, nil
}

func (q *Queries) ListOperationsByRoot(ctx context.Context, rootID uuid.UUID) ([]core.CleaningOperation, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+operationColumns+` FROM cleaning_operations
		WHERE root_dataset_id = $1
		ORDER BY applied_at, sequence`, rootID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOperation)
}

func (q *Queries) MarkOperationReverted(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE cleaning_operations SET reverted_at = $2, reverted_by = $3
		WHERE id = $1 AND reverted_at IS NULL`, id, at, by)
	if err != nil {
		return false, mapError(err, "operation", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := q.GetOperation(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (q *Queries) DeleteOperationsByDataset(ctx context.Context, datasetID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		DELETE FROM cleaning_operations WHERE dataset_id = $1 OR result_dataset_id = $1`, datasetID)
	return mapError(err, "operation", datasetID)
}
