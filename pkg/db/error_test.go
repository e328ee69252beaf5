package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	require.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	require.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: events.idempotency_key")))
	require.False(t, IsDuplicateKeyErr(errors.New("syntax error")))
	require.False(t, IsDuplicateKeyErr(nil))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(driver.ErrBadConn))
	require.True(t, IsTransient(fmt.Errorf("insert: %w", context.DeadlineExceeded)))
	require.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	require.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsTransient(errors.New("database is locked")))
	require.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsTransient(errors.New("no such column")))
	require.False(t, IsTransient(nil))
}

func TestDialectRejectsUnknown(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	require.Error(t, err)

	d, err := Dialect(Config{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "sqlite", d.Name())
}
