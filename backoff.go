package chatsync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig bounds exponential backoff with jitter. Zero fields take
// defaults; a negative MaxAttempts retries forever.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c *BackoffConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
}

// healthyAfter is how long a connection must stay up before its next
// failure counts as a fresh outage.
const healthyAfter = 60 * time.Second

// reconnector tracks consecutive failures. The attempt counter resets once a
// connection has stayed healthy for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg BackoffConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// markConnected records when a connection came up. Call it once per
// connection, not per message.
func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// disconnected closes the current connection's healthy stretch.
func (r *reconnector) disconnected() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > healthyAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// sleepCtx waits for d or until ctx is done, reporting whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
