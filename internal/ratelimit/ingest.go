package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/trustmeter/internal/config"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyIngestTenant = "trustmeter:ingest:tenant:%s"
	endpointIngest  = "adapter_webhook"
)

type IngestLimiterParam struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// IngestLimiter caps webhook ingestion per tenant. With redis configured the
// bucket is shared by every replica; otherwise each process keeps its own.
// Redis failures fail open.
type IngestLimiter struct {
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics

	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewIngestLimiter(p IngestLimiterParam) *IngestLimiter {
	if p.Config.Ingest.Rate <= 0 || p.Config.Ingest.Burst <= 0 {
		return nil
	}
	return &IngestLimiter{
		log:        p.Log.Named("ratelimit.ingest"),
		obsMetrics: p.ObsMetrics,
		bucket:     NewTokenBucket(p.Redis),
		rate:       p.Config.Ingest.Rate,
		burst:      p.Config.Ingest.Burst,
		local:      make(map[string]*rate.Limiter),
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil
}

// Allow takes one token for tenantID. A nil limiter allows everything.
func (l *IngestLimiter) Allow(ctx context.Context, tenantID string) RateLimitResult {
	if !l.Enabled() {
		return RateLimitResult{Allowed: true}
	}
	tenantID = strings.TrimSpace(tenantID)

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyIngestTenant, tenantID), l.rate, l.burst)
		if err == nil {
			l.record(ctx, res.Allowed, "tenant")
			return *res
		}
		l.log.Warn("redis rate limit unavailable, allowing request",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		l.record(ctx, true, "")
		return RateLimitResult{Allowed: true, Limit: l.burst}
	}

	res := l.allowLocal(tenantID)
	l.record(ctx, res.Allowed, "tenant_local")
	return res
}

func (l *IngestLimiter) allowLocal(tenantID string) RateLimitResult {
	l.mu.Lock()
	lim, ok := l.local[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[tenantID] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return RateLimitResult{Allowed: false, Limit: l.burst}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return RateLimitResult{
			Allowed:    false,
			Limit:      l.burst,
			ResetTime:  now.Add(delay).UTC(),
			RetryAfter: delay,
		}
	}
	return RateLimitResult{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: int(lim.TokensAt(now)),
		ResetTime: now.UTC(),
	}
}

func (l *IngestLimiter) record(ctx context.Context, allowed bool, reason string) {
	if allowed {
		l.obsMetrics.RecordRateLimitAllowed(ctx, endpointIngest)
		return
	}
	l.obsMetrics.RecordRateLimitDenied(ctx, endpointIngest, reason)
}
