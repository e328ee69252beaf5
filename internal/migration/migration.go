package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"github.com/smallbiznis/trustmeter/internal/scheduler"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&tenantdomain.Tenant{},
		&eventdomain.Event{},
		&usagedomain.UsageRecord{},
		&usagedomain.QuotaNotification{},
		&kpidomain.Telemetry{},
		&kpidomain.Baseline{},
		&kpidomain.MetricsSnapshot{},
		&kpidomain.AggregationRun{},
		&billingdomain.Account{},
		&billingdomain.UsageReport{},
		&scheduler.JobState{},
	}
}

// Run brings the schema up to date. Postgres uses the versioned SQL
// migrations; other dialects fall back to GORM AutoMigrate when enabled.
func Run(conn *gorm.DB, autoMigrate bool, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("migration")

	dialect := conn.Dialector.Name()
	if dialect == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("schema migrations applied", zap.String("dialect", dialect))
		return nil
	}

	if !autoMigrate {
		log.Warn("schema migrations skipped", zap.String("dialect", dialect))
		return nil
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	log.Info("schema auto-migrated", zap.String("dialect", dialect))
	return nil
}

// RunMigrations applies the embedded SQL migrations to a Postgres database.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := newSource()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}
