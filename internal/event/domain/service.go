package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type IngestRequest struct {
	TenantID       string
	Environment    string
	IdempotencyKey string
	CorrelationID  string
	Kind           string
	Source         string
	Payload        map[string]any
	OccurredAt     time.Time
}

type IngestResult struct {
	Event     *Event
	Duplicate bool
	// SuspectedRetryOf is set when no key was sent and an identical payload
	// arrived recently. The new event is still stored.
	SuspectedRetryOf *snowflake.ID
}

// Observation is the slice of an event the KPI aggregator needs.
type Observation struct {
	Source     string
	OccurredAt time.Time
	ReceivedAt time.Time
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	Get(ctx context.Context, tenantID string, id snowflake.ID) (*Event, error)
	ListWindow(ctx context.Context, tenantID, environment string, start, end time.Time) ([]Observation, error)
	ActiveScopes(ctx context.Context, start, end time.Time) ([]Scope, error)
}

// Scope is a (tenant, environment) pair.
type Scope struct {
	TenantID    string
	Environment string
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidEnvironment = errors.New("invalid_environment")
	ErrInvalidKind        = errors.New("invalid_kind")
	ErrInvalidSource      = errors.New("invalid_source")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidKey         = errors.New("invalid_idempotency_key")
	ErrEventNotFound      = errors.New("event_not_found")
	ErrStorageUnavailable = errors.New("storage_unavailable")
)
