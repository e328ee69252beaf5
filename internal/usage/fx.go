package usage

import (
	"github.com/smallbiznis/trustmeter/internal/usage/notifier"
	"github.com/smallbiznis/trustmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	notifier.Module,
	fx.Provide(service.NewService),
)
