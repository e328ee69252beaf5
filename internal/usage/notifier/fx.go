package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("usage.notifier",
	fx.Provide(provideDispatcher),
	fx.Provide(func(d *Dispatcher) usagedomain.Notifier { return d }),
)

func provideDispatcher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *Dispatcher {
	sinks := []Sink{NewLogSink(log)}
	if cfg.Notify.WebhookURL != "" {
		client := tracing.WrapHTTPClient(&http.Client{Timeout: 10 * time.Second})
		sinks = append(sinks, NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, client))
	}
	d := NewDispatcher(log, sinks...)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			d.Close()
			return nil
		},
	})
	return d
}
