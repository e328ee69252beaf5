package migration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func newSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	src, err := newSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	_, err = src.Next(first)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	_ = up.Close()

	for _, model := range Models() {
		s, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+s.Table+" (")
	}

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	body, err = io.ReadAll(down)
	require.NoError(t, err)
	_ = down.Close()
	assert.Equal(t, len(Models()), strings.Count(string(body), "DROP TABLE IF EXISTS"))
}

func TestRunAutoMigratesNonPostgres(t *testing.T) {
	conn := newSQLite(t)

	require.NoError(t, Run(conn, true, zap.NewNop()))
	require.NoError(t, Run(conn, true, zap.NewNop()))

	for _, model := range Models() {
		assert.True(t, conn.Migrator().HasTable(model), "%T", model)
	}
}

func TestRunSkipsWhenAutoMigrateDisabled(t *testing.T) {
	conn := newSQLite(t)

	require.NoError(t, Run(conn, false, nil))

	assert.False(t, conn.Migrator().HasTable("events"))
}

func TestRunRequiresHandle(t *testing.T) {
	assert.Error(t, Run(nil, true, nil))
	assert.Error(t, RunMigrations(nil))
}

func TestRunMigrationsReportsDriverFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT CURRENT_DATABASE()")).
		WillReturnError(errors.New("connection reset"))

	err = RunMigrations(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create migration driver")
	assert.NoError(t, mock.ExpectationsWereMet())
}
