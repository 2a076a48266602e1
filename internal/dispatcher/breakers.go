package dispatcher

import (
	"log/slog"
	"sync"
	"time"
	"warpjobs/pkg/cloudevent"

	"github.com/sony/gobreaker"
)

// breakerRegistry keeps one circuit breaker per destination host.
// Breakers are created lazily on first access.
type breakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
	logger    *slog.Logger
}

type breakerStats struct {
	Total int
	Open  int
}

func newBreakerRegistry(threshold uint32, cooldown time.Duration, logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

func (r *breakerRegistry) get(host string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[host]; ok {
		return b
	}

	threshold := r.threshold
	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A host that answers 4xx is up
		IsSuccessful: func(err error) bool {
			return err == nil || cloudevent.IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("Circuit breaker state changed", "destination", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[host] = b
	return b
}

func (r *breakerRegistry) stats() breakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := breakerStats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		if b.State() == gobreaker.StateOpen {
			stats.Open++
		}
	}
	return stats
}
