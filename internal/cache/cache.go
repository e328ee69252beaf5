package cache

import (
	"strings"
	"time"
)

// Cache is a keyed store with per-entry expiry. Implementations must be safe
// for concurrent use. Writers call Delete after mutating the source of truth.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Purge()
}

// Key joins non-empty parts into a normalized cache key.
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
