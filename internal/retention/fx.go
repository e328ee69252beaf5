package retention

import (
	"context"

	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/retention/archive"
	"github.com/smallbiznis/trustmeter/internal/retention/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("retention.service",
	fx.Provide(provideArchiver),
	fx.Provide(service.NewService),
)

func provideArchiver(cfg config.Config, log *zap.Logger) (archive.Archiver, error) {
	a, err := archive.NewFromConfig(context.Background(), cfg.Archive)
	if err != nil {
		return nil, err
	}
	if a == nil {
		log.Info("event archive disabled, expired events are deleted without a copy")
		return nil, nil
	}
	return a, nil
}
