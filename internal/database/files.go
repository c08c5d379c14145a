package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// ============================================================================
// Tenants
// ============================================================================

const tenantColumns = `id, name, tier, storage_used_bytes, created_at, updated_at`

func scanTenant(row pgx.Row) (*core.Tenant, error) {
	var t core.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.StorageUsedBytes, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (q *Queries) CreateTenant(ctx context.Context, t *core.Tenant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tenants (id, name, tier, storage_used_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Tier, t.StorageUsedBytes, t.CreatedAt, t.UpdatedAt)
	return mapError(err, "tenant", t.ID)
}

func (q *Queries) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	t, err := scanTenant(q.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "tenant", id)
	}
	return t, nil
}

func (q *Queries) LockTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	t, err := scanTenant(q.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "tenant", id)
	}
	return t, nil
}

func (q *Queries) SetTenantUsage(ctx context.Context, id uuid.UUID, used int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tenants SET storage_used_bytes = $2, updated_at = now() WHERE id = $1`, id, used)
	if err != nil {
		return mapError(err, "tenant", id)
	}
	return expectRow(tag, "tenant", id)
}

// ============================================================================
// Projects
// ============================================================================

const projectColumns = `p.id, p.tenant_id, p.name, p.description, p.created_at, p.updated_at,
	(SELECT count(*) FROM files f WHERE f.project_id = p.id),
	(SELECT count(*) FROM datasets d WHERE d.project_id = p.id)`

func scanProject(row pgx.Row) (*core.Project, error) {
	var p core.Project
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt,
		&p.FileCount, &p.DatasetCount)
	return &p, err
}

func (q *Queries) CreateProject(ctx context.Context, p *core.Project) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO projects (id, tenant_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	return mapError(err, "project", p.ID)
}

func (q *Queries) GetProject(ctx context.Context, id uuid.UUID) (*core.Project, error) {
	p, err := scanProject(q.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, id))
	if err != nil {
		return nil, mapError(err, "project", id)
	}
	return p, nil
}

func (q *Queries) ListProjects(ctx context.Context, tenantID uuid.UUID, page core.Page) ([]core.Project, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM projects WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+projectColumns+` FROM projects p
		WHERE p.tenant_id = $1
		ORDER BY p.updated_at DESC, p.id
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collect(rows, scanProject)
	return out, total, err
}

func (q *Queries) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "project", id)
	}
	return expectRow(tag, "project", id)
}

func (q *Queries) touchProject(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE projects SET updated_at = now() WHERE id = $1`, id)
	return err
}

// ============================================================================
// Files
// ============================================================================

const fileColumns = `id, project_id, tenant_id, filename, size_bytes, mime_type, detected_format,
	confidence, storage_bucket, storage_key, status, progress, retry_count, error_message,
	extraction_metadata, extracted_schema, created_at, updated_at`

func scanFile(row pgx.Row) (*core.File, error) {
	var f core.File
	err := row.Scan(&f.ID, &f.ProjectID, &f.TenantID, &f.Filename, &f.SizeBytes, &f.MimeType,
		&f.Format, &f.Confidence, &f.StorageBucket, &f.StorageKey, &f.Status, &f.Progress,
		&f.RetryCount, &f.ErrorMessage, &f.ExtractionMetadata, &f.ExtractedSchema,
		&f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

func (q *Queries) CreateFile(ctx context.Context, f *core.File) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		f.ID, f.ProjectID, f.TenantID, f.Filename, f.SizeBytes, f.MimeType, f.Format,
		f.Confidence, f.StorageBucket, f.StorageKey, f.Status, f.Progress, f.RetryCount,
		f.ErrorMessage, f.ExtractionMetadata, f.ExtractedSchema, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return mapError(err, "file", f.ID)
	}
	return q.touchProject(ctx, f.ProjectID)
}

func (q *Queries) GetFile(ctx context.Context, id uuid.UUID) (*core.File, error) {
	f, err := scanFile(q.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "file", id)
	}
	return f, nil
}

func (q *Queries) LockFile(ctx context.Context, id uuid.UUID) (*core.File, error) {
	f, err := scanFile(q.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "file", id)
	}
	return f, nil
}

func (q *Queries) ListFiles(ctx context.Context, projectID uuid.UUID, page core.Page) ([]core.File, int, error) {
	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM files WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collect(rows, scanFile)
	return out, total, err
}

func (q *Queries) BeginProcessing(ctx context.Context, id uuid.UUID, progress int) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE files
		SET status = 'processing', progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1 AND status IN ('uploaded', 'processing')`, id, progress)
	if err != nil {
		return false, mapError(err, "file", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := q.GetFile(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (q *Queries) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := q.db.Exec(ctx, `
		UPDATE files SET progress = $2, updated_at = now()
		WHERE id = $1 AND progress < $2`, id, progress)
	return mapError(err, "file", id)
}

func (q *Queries) MarkFileReady(ctx context.Context, id uuid.UUID, meta map[string]any, schema tabular.Schema) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE files
		SET status = 'ready', progress = 100, error_message = '',
		    extraction_metadata = $2, extracted_schema = $3, updated_at = now()
		WHERE id = $1`, id, meta, schema)
	if err != nil {
		return mapError(err, "file", id)
	}
	return expectRow(tag, "file", id)
}

func (q *Queries) RecordFileFailure(ctx context.Context, id uuid.UUID, msg string, retryCount int, terminal bool) error {
	status := core.FileProcessing
	if terminal {
		status = core.FileError
	}
	_, err := q.db.Exec(ctx, `
		UPDATE files
		SET status = $2, error_message = $3, retry_count = $4, updated_at = now()
		WHERE id = $1 AND status <> 'ready'`, id, status, msg, retryCount)
	return mapError(err, "file", id)
}

func (q *Queries) DeleteFile(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "file", id)
	}
	return expectRow(tag, "file", id)
}

func (q *Queries) ListUnscheduledUploads(ctx context.Context, olderThan time.Time, limit int) ([]core.File, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+fileColumns+` FROM files f
		WHERE f.status = 'uploaded' AND f.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs j
		      WHERE j.target_id = f.id AND j.kind = 'extraction'
		        AND j.status IN ('queued', 'running'))
		ORDER BY f.created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanFile)
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
