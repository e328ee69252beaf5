package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case tick := <-ticker.C():
		assert.Equal(t, start.Add(time.Minute), tick)
	default:
		t.Fatal("expected tick after one period")
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker must not fire")
	default:
	}
	require.Empty(t, c.tickers)
}
