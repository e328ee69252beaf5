package clock

import (
	"sync"
	"time"
)

type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
	c.fire()
}

// Advance moves the clock forward and fires every ticker whose period elapsed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fire()
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
		clock:  c,
	}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *FakeClock) fire() {
	c.mu.Lock()
	now := c.now
	tickers := append([]*fakeTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.advance(now)
	}
}

func (c *FakeClock) remove(t *fakeTicker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.tickers {
		if existing == t {
			c.tickers = append(c.tickers[:i], c.tickers[i+1:]...)
			return
		}
	}
}

type fakeTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
	clock   *FakeClock
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.clock.remove(t)
}

func (t *fakeTicker) advance(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.period <= 0 {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
			// slow receiver, drop like time.Ticker
		}
		t.next = t.next.Add(t.period)
	}
}
