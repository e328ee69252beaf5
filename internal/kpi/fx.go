package kpi

import (
	"github.com/smallbiznis/trustmeter/internal/kpi/export"
	"github.com/smallbiznis/trustmeter/internal/kpi/service"
	"go.uber.org/fx"
)

var Module = fx.Module("kpi.service",
	fx.Provide(export.NewExporter),
	fx.Provide(service.NewService),
)
