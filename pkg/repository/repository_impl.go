package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/trustmeter/pkg/db/option"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 100

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	if err := s.scope(ctx, query, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var row T
	err := s.scope(ctx, query, opts).Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var n int64
	err := s.scope(ctx, query, opts).Model(new(T)).Count(&n).Error
	return n, err
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *store[T]) CreateBatch(ctx context.Context, resources []*T, batchSize int) (int64, error) {
	if len(resources) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(resources, batchSize)
	return res.RowsAffected, res.Error
}

func (s *store[T]) scope(ctx context.Context, filter *T, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx)
	if filter != nil {
		db = db.Where(filter)
	}
	for _, opt := range opts {
		db = opt.Apply(db)
	}
	return db
}
