package services

import (
	"context"

	"gorm.io/gorm"
)

// TenantScoped returns a gorm scope pinning a statement to one tenant.
// Every automation query goes through this (or an explicit tenant_id
// predicate) so the isolation boundary stays visible in the code.
func TenantScoped(tenantID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

// RunTenantScoped runs fn inside one transaction on behalf of one
// tenant. Multi-statement invariants (structural edit forcing disable,
// enable-with-freshness-check) live inside such a unit of work.
func RunTenantScoped(ctx context.Context, db *gorm.DB, tenantID uint, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx.Set("crewflow:tenant_id", tenantID))
	})
}
