package option

import (
	"fmt"

	"gorm.io/gorm"
)

// QueryOption mutates a query before it is executed.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

func WithLimit(limit int) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOffset(offset int) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	})
}

// WithOrder orders by column; column names come from code, never from requests.
func WithOrder(column string, desc bool) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		return db.Order(fmt.Sprintf("%s %s", column, dir))
	})
}

func WithWhere(query string, args ...any) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}
