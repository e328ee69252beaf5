package ratelimit

import "go.uber.org/fx"

// Module provides the optional redis client plus the ingest limiter and
// scheduler locker built on it.
var Module = fx.Module("ratelimit",
	fx.Provide(
		NewRedisClient,
		NewLocker,
		NewIngestLimiter,
	),
)
