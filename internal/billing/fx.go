package billing

import (
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/trustmeter/internal/billing/bridge"
	"github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/billing/memory"
	"github.com/smallbiznis/trustmeter/internal/billing/service"
	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.service",
	fx.Provide(NewProvider),
	fx.Provide(service.NewService),
)

// NewProvider selects the billing provider from BILLING_PROVIDER.
func NewProvider(cfg config.Config, log *zap.Logger) (domain.Provider, error) {
	switch cfg.Billing.Provider {
	case "", memory.Name:
		if cfg.IsProduction() {
			log.Warn("in-memory billing provider configured in production")
		}
		return memory.New(), nil
	case bridge.Name:
		client := tracing.WrapHTTPClient(&http.Client{Timeout: 10 * time.Second})
		return bridge.New(bridge.Config{
			BaseURL: cfg.Billing.BridgeURL,
			Token:   cfg.Billing.BridgeToken,
		}, client)
	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.Billing.Provider)
	}
}
