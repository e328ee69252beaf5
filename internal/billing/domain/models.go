// Package domain describes the billing provider contract and the local
// records that track what has been reported to it.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	AccountStatusActive    = "active"
	AccountStatusCancelled = "cancelled"
)

// Account links a tenant to its provider-side customer and subscription.
type Account struct {
	TenantID        string    `gorm:"primaryKey;type:varchar(64)" json:"tenant_id"`
	Provider        string    `gorm:"type:varchar(32);not null" json:"provider"`
	CustomerRef     string    `gorm:"type:varchar(128);not null" json:"customer_ref"`
	SubscriptionRef string    `gorm:"type:varchar(128)" json:"subscription_ref"`
	PlanID          string    `gorm:"type:varchar(64);not null" json:"plan_id"`
	Status          string    `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "billing_accounts" }

const (
	ReportStatusPending = "pending"
	ReportStatusSent    = "sent"
	ReportStatusDead    = "dead"
)

// UsageReport is an outbox row: one overage figure per tenant, metric and
// closed billing cycle, delivered to the provider at least once.
type UsageReport struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID      string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_reports_period,priority:1" json:"tenant_id"`
	MetricType    string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_reports_period,priority:2" json:"metric_type"`
	PeriodStart   time.Time       `gorm:"not null;uniqueIndex:ux_usage_reports_period,priority:3" json:"period_start"`
	PeriodEnd     time.Time       `gorm:"not null" json:"period_end"`
	Quantity      int64           `gorm:"not null" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"unit_price"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	Status        string          `gorm:"type:varchar(16);not null;index:idx_usage_reports_due,priority:1" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time       `gorm:"not null;index:idx_usage_reports_due,priority:2" json:"next_attempt_at"`
	LastError     string          `gorm:"type:text" json:"last_error,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`
}

func (UsageReport) TableName() string { return "billing_usage_reports" }

// IdempotencyKey is stable across retries so the provider can drop repeats.
func (r UsageReport) IdempotencyKey() string {
	return "trustmeter-usage-" + r.ID.String()
}

type DispatchResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

type Service interface {
	EnqueueClosedPeriods(ctx context.Context, at time.Time) (int, error)
	Dispatch(ctx context.Context) (DispatchResult, error)
	EnsureAccount(ctx context.Context, tenantID string) (Account, error)
	CancelSubscription(ctx context.Context, tenantID string) error
	Invoices(ctx context.Context, tenantID string) ([]Invoice, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrAccountNotFound  = errors.New("billing_account_not_found")
	ErrAlreadyCancelled = errors.New("subscription_already_cancelled")
	ErrAccountCancelled = errors.New("subscription_cancelled")
)
