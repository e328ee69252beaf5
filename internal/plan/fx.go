package plan

import (
	"github.com/smallbiznis/trustmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("plan",
	fx.Provide(provideRegistry),
)

func provideRegistry(cfg config.Config, log *zap.Logger) (*Registry, error) {
	registry, err := NewRegistry(cfg.Plans.File, log)
	if err != nil {
		return nil, err
	}
	if cfg.Plans.Watch {
		registry.Watch()
	}
	return registry, nil
}
