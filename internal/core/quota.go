package core

import (
	"context"

	"github.com/google/uuid"
)

// admit checks incoming bytes against the tenant's tier limit and, when
// allowed, raises the usage counter by the same amount. repo must be a
// transaction: the tenant row stays locked until the caller commits the
// File record alongside the new usage.
func admit(ctx context.Context, repo Repository, tenantID uuid.UUID, incoming int64) (*Tenant, error) {
	if incoming < 0 {
		return nil, Validation("file size must not be negative")
	}

	tenant, err := repo.LockTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limit := tenant.Tier.Limit()
	if tenant.StorageUsedBytes+incoming > limit {
		return nil, &QuotaError{
			Tier:     tenant.Tier,
			Used:     tenant.StorageUsedBytes,
			Incoming: incoming,
			Limit:    limit,
		}
	}

	tenant.StorageUsedBytes += incoming
	if err := repo.SetTenantUsage(ctx, tenantID, tenant.StorageUsedBytes); err != nil {
		return nil, err
	}
	return tenant, nil
}

// release lowers the tenant's usage by size, clamped at zero. repo must be
// a transaction so concurrent deletes serialize on the tenant row.
func release(ctx context.Context, repo Repository, tenantID uuid.UUID, size int64) error {
	tenant, err := repo.LockTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	used := tenant.StorageUsedBytes - size
	if used < 0 {
		used = 0
	}
	return repo.SetTenantUsage(ctx, tenantID, used)
}

// CheckQuota reports whether incoming bytes would be admitted right now
// without reserving them.
func (s *Service) CheckQuota(ctx context.Context, tenantID uuid.UUID, incoming int64) error {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if limit := tenant.Tier.Limit(); tenant.StorageUsedBytes+incoming > limit {
		return &QuotaError{Tier: tenant.Tier, Used: tenant.StorageUsedBytes, Incoming: incoming, Limit: limit}
	}
	return nil
}

// Usage returns the tenant's quota view.
func (s *Service) Usage(ctx context.Context, tenantID uuid.UUID) (*Usage, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		Tier:       tenant.Tier,
		UsedBytes:  tenant.StorageUsedBytes,
		LimitBytes: tenant.Tier.Limit(),
	}, nil
}

// CreateTenant provisions a tenant with zero usage.
func (s *Service) CreateTenant(ctx context.Context, name string, tier Tier) (*Tenant, error) {
	if name == "" {
		return nil, Validation("tenant name is required")
	}
	if _, err := ParseTier(string(tier)); err != nil {
		return nil, err
	}
	now := s.now()
	t := &Tenant{
		ID:        uuid.New(),
		Name:      name,
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
