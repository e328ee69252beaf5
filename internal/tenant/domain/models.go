// Package domain holds the read-only tenant projection used for plan and
// billing-period resolution. Tenants are provisioned elsewhere.
package domain

import (
	"context"
	"errors"
	"time"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

type Tenant struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name          string    `gorm:"type:varchar(255);not null" json:"name"`
	PlanID        string    `gorm:"type:varchar(64);not null" json:"plan_id"`
	BillingAnchor time.Time `gorm:"not null" json:"billing_anchor"`
	Status        string    `gorm:"type:varchar(32);not null;default:active" json:"status"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

func (t Tenant) Active() bool { return t.Status == "" || t.Status == StatusActive }

type Service interface {
	Get(ctx context.Context, tenantID string) (Tenant, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	Invalidate(tenantID string)
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrTenantNotFound = errors.New("tenant_not_found")
)
