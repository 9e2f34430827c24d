package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(2, 2, start)

	assert.True(t, b.allow(start))
	assert.True(t, b.allow(start))
	assert.False(t, b.allow(start))

	assert.True(t, b.allow(start.Add(500*time.Millisecond)))
	assert.False(t, b.allow(start.Add(500*time.Millisecond)))

	// Refill is capped at the burst size.
	later := start.Add(time.Hour)
	assert.True(t, b.allow(later))
	assert.True(t, b.allow(later))
	assert.False(t, b.allow(later))
}

func TestRateLimiter_PerClientAndSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := &rateLimiter{
		clients: make(map[string]*tokenBucket),
		rps:     1,
		burst:   1,
		now:     func() time.Time { return now },
	}

	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "clients have independent buckets")

	now = now.Add(time.Hour)
	rl.sweep(10 * time.Minute)
	assert.Empty(t, rl.clients)
}
