// Package notifier fans quota threshold crossings out to sinks.
package notifier

import (
	"context"
	"sync"
	"time"

	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const defaultSinkTimeout = 10 * time.Second

// Sink delivers one notification. Sinks are called concurrently.
type Sink interface {
	Name() string
	Send(ctx context.Context, n usagedomain.QuotaNotification) error
}

// Dispatcher delivers notifications off the recording path. Delivery is
// best effort: the crossing is already persisted before a sink sees it.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	timeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(log *zap.Logger, sinks ...Sink) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:     log.Named("usage.notifier"),
		sinks:   sinks,
		timeout: defaultSinkTimeout,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Notify returns immediately. The caller's context is not used for delivery
// since the request that triggered the crossing may finish first; only its
// correlation id is carried over.
func (d *Dispatcher) Notify(ctx context.Context, n usagedomain.QuotaNotification) {
	cid := correlation.ExtractCorrelationID(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(correlation.ContextWithCorrelationID(d.baseCtx, cid), d.timeout)
			defer cancel()
			if err := sink.Send(ctx, n); err != nil {
				d.log.Warn("quota notification delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("tenant_id", n.TenantID),
					zap.String("metric_type", n.MetricType),
					zap.String("level", n.Level),
					zap.Error(err),
				)
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels pending deliveries and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
