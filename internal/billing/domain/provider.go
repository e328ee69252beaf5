package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	Ref      string `json:"ref"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

type Subscription struct {
	Ref         string `json:"ref"`
	CustomerRef string `json:"customer_ref"`
	PlanID      string `json:"plan_id"`
	Status      string `json:"status"`
}

type InvoiceLine struct {
	Metric      string          `json:"metric"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type Invoice struct {
	Ref         string          `json:"ref"`
	CustomerRef string          `json:"customer_ref"`
	Status      string          `json:"status"`
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	IssuedAt    time.Time       `json:"issued_at"`
	Lines       []InvoiceLine   `json:"lines,omitempty"`
}

//go:generate mockgen -source=provider.go -destination=../mocks/mock_provider.go -package=mocks

// Provider is the external billing system. Every call may fail transiently;
// callers queue and retry rather than block on it.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, tenantID, name string) (Customer, error)
	CreateSubscription(ctx context.Context, customerRef, planID string) (Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	RecordUsage(ctx context.Context, subscriptionRef, metric string, quantity int64, idempotencyKey string) error
	GetInvoices(ctx context.Context, customerRef string) ([]Invoice, error)
}

var (
	// ErrProviderUnavailable is retriable.
	ErrProviderUnavailable = errors.New("billing_provider_unavailable")
	// ErrProviderRejected is permanent for the request as sent.
	ErrProviderRejected = errors.New("billing_provider_rejected")
	ErrProviderNotFound = errors.New("billing_provider_not_found")
)
