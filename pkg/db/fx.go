package db

import (
	"context"
	"time"

	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(ConfigFrom),
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    Config
	AppConfig config.Config
	Logger    *zap.Logger
}

// New opens the configured database with query logging, tracing and pool metrics.
func New(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	gormLogCfg := logger.DefaultGormLoggerConfig()
	if p.Config.SlowThreshold > 0 {
		gormLogCfg.SlowThreshold = p.Config.SlowThreshold
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.NewGormLogger(p.Logger, gormLogCfg),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(p.Config.Name),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return nil, err
	}

	if err := conn.Use(gormprom.New(gormprom.Config{
		DBName:          p.Config.Name,
		RefreshInterval: 15,
		StartServer:     false,
		Labels: map[string]string{
			"service": p.AppConfig.AppName,
		},
	})); err != nil {
		p.Logger.Warn("gorm prometheus plugin disabled", zap.Error(err))
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if p.Config.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Config.MaxIdleConn)
	}
	if p.Config.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Config.MaxOpenConn)
	}
	if p.Config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(p.Config.ConnMaxLifetime) * time.Second)
	}
	if p.Config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(p.Config.ConnMaxIdleTime) * time.Second)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})

	p.Logger.Info("database opened",
		zap.String("dialect", dialector.Name()),
		zap.String("database", p.Config.Name),
	)
	return conn, nil
}
