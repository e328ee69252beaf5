package repository

import (
	"context"

	"github.com/smallbiznis/trustmeter/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is an append-only gorm store for single-table records such as
// metric snapshots and telemetry rows. Rows are never updated in place;
// corrections are written as new rows.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
	Create(ctx context.Context, resource *T) error
	// CreateBatch skips rows whose primary or unique key already exists and
	// reports how many were inserted.
	CreateBatch(ctx context.Context, resources []*T, batchSize int) (int64, error)
}
