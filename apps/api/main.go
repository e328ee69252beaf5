package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/trustmeter/internal/billing"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/event"
	"github.com/smallbiznis/trustmeter/internal/ingestion"
	"github.com/smallbiznis/trustmeter/internal/kpi"
	"github.com/smallbiznis/trustmeter/internal/migration"
	"github.com/smallbiznis/trustmeter/internal/observability"
	"github.com/smallbiznis/trustmeter/internal/plan"
	"github.com/smallbiznis/trustmeter/internal/ratelimit"
	"github.com/smallbiznis/trustmeter/internal/server"
	"github.com/smallbiznis/trustmeter/internal/tenant"
	"github.com/smallbiznis/trustmeter/internal/usage"
	"github.com/smallbiznis/trustmeter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Domain services behind the HTTP surface
		plan.Module,
		tenant.Module,
		event.Module,
		usage.Module,
		kpi.Module,
		billing.Module,
		ingestion.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.InstanceID)
}
