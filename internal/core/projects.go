package core

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxProjectNameLen bounds project names.
const MaxProjectNameLen = 255

func newProject(tenantID uuid.UUID, name, description string, now time.Time) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Validation("project name is required")
	}
	if len(name) > MaxProjectNameLen {
		name = name[:MaxProjectNameLen]
	}
	return &Project{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CreateProject creates an empty project for the tenant.
func (s *Service) CreateProject(ctx context.Context, tenantID uuid.UUID, name, description string) (*Project, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	p, err := newProject(tenantID, name, description, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns a project with its file and dataset counts.
func (s *Service) GetProject(ctx context.Context, id, tenantID uuid.UUID) (*Project, error) {
	return s.ownedProject(ctx, s.store, id, tenantID)
}

// ListProjects returns the tenant's projects, most recently updated first.
func (s *Service) ListProjects(ctx context.Context, tenantID uuid.UUID, page Page) ([]Project, int, error) {
	return s.store.ListProjects(ctx, tenantID, page.Normalize())
}

// DeleteProject removes a project and everything in it, releasing the
// storage its files used.
func (s *Service) DeleteProject(ctx context.Context, id, tenantID uuid.UUID) error {
	var blobs []string
	err := s.store.InTx(ctx, func(tx Repository) error {
		if _, err := s.ownedProject(ctx, tx, id, tenantID); err != nil {
			return err
		}

		var released int64
		for {
			files, _, err := tx.ListFiles(ctx, id, Page{Limit: MaxPageSize})
			if err != nil {
				return err
			}
			if len(files) == 0 {
				break
			}
			for i := range files {
				keys, err := deleteFileTx(ctx, tx, &files[i])
				if err != nil {
					return err
				}
				blobs = append(blobs, keys...)
				released += files[i].SizeBytes
			}
		}

		if err := tx.DeleteProject(ctx, id); err != nil {
			return err
		}
		return release(ctx, tx, tenantID, released)
	})
	if err != nil {
		return err
	}

	for _, key := range blobs {
		s.deleteBlob(ctx, key)
	}
	s.audit(ctx, AuditEvent{Action: ActionProjectDelete, TenantID: tenantID, EntityID: id})
	return nil
}
