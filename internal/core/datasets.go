package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

// DefaultPreviewPageSize is the row page size for dataset previews.
const DefaultPreviewPageSize = 100

// MaxPreviewPageSize bounds dataset preview pages.
const MaxPreviewPageSize = 1000

// maxLineageDepth guards lineage walks against corrupt parent links.
const maxLineageDepth = 10000

// DatasetPreview is one page of a dataset's rows.
type DatasetPreview struct {
	Columns   []string            `json:"columns"`
	Rows      []map[string]string `json:"rows"`
	TotalRows int                 `json:"total_rows"`
	Page      int                 `json:"page"`
	PageSize  int                 `json:"page_size"`
}

// newRootDataset describes version 1 of a file's data.
func newRootDataset(file *File, t *tabular.Table, q tabular.Quality, now time.Time) *Dataset {
	id := uuid.New()
	return &Dataset{
		ID:             id,
		ProjectID:      file.ProjectID,
		FileID:         file.ID,
		Name:           file.Filename,
		RowCount:       t.NumRows(),
		ColumnCount:    t.NumColumns(),
		Columns:        t.Columns,
		ColumnSchema:   tabular.InferSchema(t),
		QualityScore:   q.Score,
		QualityDetails: q.Details,
		DataKey:        datasetDataKey(id),
		Version:        1,
		RootDatasetID:  id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// newChildVersion describes the version produced by applying operations to
// parent. It is only built by the cleaning log.
func newChildVersion(parent *Dataset, t *tabular.Table, q tabular.Quality, applyKey string, now time.Time) *Dataset {
	id := uuid.New()
	parentID := parent.ID
	return &Dataset{
		ID:              id,
		ProjectID:       parent.ProjectID,
		FileID:          parent.FileID,
		Name:            parent.Name,
		Description:     parent.Description,
		RowCount:        t.NumRows(),
		ColumnCount:     t.NumColumns(),
		Columns:         t.Columns,
		ColumnSchema:    tabular.InferSchema(t),
		QualityScore:    q.Score,
		QualityDetails:  q.Details,
		DataKey:         datasetDataKey(id),
		Version:         parent.Version + 1,
		ParentDatasetID: &parentID,
		RootDatasetID:   parent.RootDatasetID,
		ApplyKey:        applyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ownedProject returns the project if it belongs to tenantID. Projects of
// other tenants are reported as not found.
func (s *Service) ownedProject(ctx context.Context, repo Repository, id, tenantID uuid.UUID) (*Project, error) {
	p, err := repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TenantID != tenantID {
		return nil, NotFound("project", id)
	}
	return p, nil
}

func (s *Service) ownedDataset(ctx context.Context, id, tenantID uuid.UUID) (*Dataset, error) {
	ds, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedProject(ctx, s.store, ds.ProjectID, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFound("dataset", id)
		}
		return nil, err
	}
	return ds, nil
}

// GetDataset returns a dataset owned by the tenant.
func (s *Service) GetDataset(ctx context.Context, id, tenantID uuid.UUID) (*Dataset, error) {
	return s.ownedDataset(ctx, id, tenantID)
}

// ListDatasets returns a project's datasets, newest first, and the total.
func (s *Service) ListDatasets(ctx context.Context, projectID, tenantID uuid.UUID, page Page) ([]Dataset, int, error) {
	if _, err := s.ownedProject(ctx, s.store, projectID, tenantID); err != nil {
		return nil, 0, err
	}
	return s.store.ListDatasets(ctx, projectID, page.Normalize())
}

// PreviewDataset pages through a dataset's materialized rows. page is
// 1-based; pageSize 0 selects DefaultPreviewPageSize.
func (s *Service) PreviewDataset(ctx context.Context, id, tenantID uuid.UUID, page, pageSize int) (*DatasetPreview, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPreviewPageSize
	}
	if pageSize > MaxPreviewPageSize {
		return nil, Validation("page_size must be at most %d", MaxPreviewPageSize)
	}

	ds, err := s.ownedDataset(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	t, err := s.loadTable(ctx, ds)
	if err != nil {
		return nil, err
	}
	return &DatasetPreview{
		Columns:   t.Columns,
		Rows:      t.Records((page-1)*pageSize, pageSize),
		TotalRows: t.NumRows(),
		Page:      page,
		PageSize:  pageSize,
	}, nil
}

// Lineage returns the dataset followed by each ancestor up to the root.
func (s *Service) Lineage(ctx context.Context, id, tenantID uuid.UUID) ([]Dataset, error) {
	ds, err := s.ownedDataset(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	return lineage(ctx, s.store, ds)
}

func lineage(ctx context.Context, repo Repository, ds *Dataset) ([]Dataset, error) {
	chain := []Dataset{*ds}
	seen := map[uuid.UUID]bool{ds.ID: true}
	for cur := ds; cur.ParentDatasetID != nil; {
		if len(chain) > maxLineageDepth {
			return nil, fmt.Errorf("lineage of dataset %s exceeds %d versions", ds.ID, maxLineageDepth)
		}
		parent, err := repo.GetDataset(ctx, *cur.ParentDatasetID)
		if err != nil {
			return nil, fmt.Errorf("load parent of %s: %w", cur.ID, err)
		}
		if seen[parent.ID] || parent.Version >= cur.Version {
			return nil, fmt.Errorf("dataset %s has a corrupt parent link", cur.ID)
		}
		seen[parent.ID] = true
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

// loadTable reads a dataset's materialized rows.
func (s *Service) loadTable(ctx context.Context, ds *Dataset) (*tabular.Table, error) {
	if ds.DataKey == "" {
		return nil, Conflict("dataset %s has no materialized data", ds.ID)
	}
	data, err := s.blobs.Get(ctx, ds.DataKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Permanent(fmt.Errorf("dataset %s data missing: %v", ds.ID, err))
		}
		return nil, Transient(fmt.Errorf("read dataset %s: %w", ds.ID, err))
	}
	t, err := tabular.DecodeCSV(data)
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", ds.ID, err)
	}
	return t, nil
}

// storeTable materializes t at key.
func (s *Service) storeTable(ctx context.Context, key string, t *tabular.Table) error {
	encoded, err := tabular.EncodeCSV(t)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := s.blobs.Put(ctx, key, encoded, "text/csv"); err != nil {
		return Transient(fmt.Errorf("store dataset: %w", err))
	}
	return nil
}
