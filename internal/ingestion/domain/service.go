// Package domain describes webhook ingestion: verify, store the event, meter
// it and report the tenant's quota position back to the adapter.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
)

const DefaultMetric = "events"

type Request struct {
	Source         string
	TenantID       string
	Environment    string
	IdempotencyKey string
	CorrelationID  string
	Signature      string
	Body           []byte
}

type Result struct {
	EventID          snowflake.ID            `json:"event_id"`
	Duplicate        bool                    `json:"duplicate"`
	SuspectedRetryOf *snowflake.ID           `json:"suspected_retry_of,omitempty"`
	UsageRecorded    bool                    `json:"usage_recorded"`
	Allowed          bool                    `json:"allowed"`
	Quota            usagedomain.QuotaStatus `json:"quota"`
}

type Service interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrMissingTenant  = errors.New("missing_tenant")
	ErrInvalidBody    = errors.New("invalid_body")
	ErrMissingKind    = errors.New("missing_kind")
	ErrInvalidAmount  = errors.New("invalid_quantity")
	ErrRateLimited    = errors.New("rate_limited")
	ErrTenantInactive = errors.New("tenant_inactive")
)

// RateLimitError carries the wait hint for a denied tenant.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
