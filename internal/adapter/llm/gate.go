package llm

import (
	"log/slog"
	"sync"
	"time"
)

// QuotaGate coordinates the worker's response to provider quota exhaustion.
// While paused, the worker stops pulling new LLM jobs entirely; consecutive
// quota hits grow the pause exponentially up to the cap.
type QuotaGate struct {
	mu         sync.Mutex
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	hits       int
	pausedTill time.Time
}

// NewQuotaGate constructs a gate with the given backoff parameters.
func NewQuotaGate(base, max time.Duration, multiplier float64) *QuotaGate {
	if multiplier < 1 {
		multiplier = 1
	}
	return &QuotaGate{baseDelay: base, maxDelay: max, multiplier: multiplier}
}

// Paused reports whether pulling should stay suspended, and for how long.
func (g *QuotaGate) Paused() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := time.Until(g.pausedTill)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// QuotaHit registers a quota-exceeded failure and extends the pause.
func (g *QuotaGate) QuotaHit() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := g.baseDelay
	for i := 0; i < g.hits; i++ {
		delay = time.Duration(float64(delay) * g.multiplier)
		if delay >= g.maxDelay {
			delay = g.maxDelay
			break
		}
	}
	g.hits++
	g.pausedTill = time.Now().Add(delay)
	slog.Warn("llm quota exhausted, pausing queue consumption",
		slog.Duration("pause", delay),
		slog.Int("consecutive_hits", g.hits))
	return delay
}

// Success clears the consecutive-hit counter after a completed call.
func (g *QuotaGate) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hits = 0
	g.pausedTill = time.Time{}
}
