package cache

import "time"

// NoopCache never stores anything. Tests use it to force reads through to storage.
type NoopCache[K comparable, V any] struct{}

func NewNoopCache[K comparable, V any]() NoopCache[K, V] {
	return NoopCache[K, V]{}
}

func (NoopCache[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (NoopCache[K, V]) Set(K, V, time.Duration) {}

func (NoopCache[K, V]) Delete(K) {}

func (NoopCache[K, V]) Purge() {}
