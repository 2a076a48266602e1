package dispatcher

import (
	"time"
	"warpjobs/internal/config"
	"warpjobs/pkg/backoff"
)

// deliveryBudget bounds one delivery including its retries.
const deliveryBudget = 30 * time.Second

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events across all lanes (default: 1024)
	Lanes       int           // ordered delivery lanes (default: 8)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	// MaxRetries is the number of resends after a failed attempt.
	// Zero selects the default of 3, a negative value disables retries.
	MaxRetries int
	Backoff    *backoff.Config

	BreakerThreshold uint32        // consecutive failures that open a host's circuit (default: 5)
	BreakerCooldown  time.Duration // how long an open circuit rejects sends (default: 30s)
	MaxBreakerWaits  int           // cooldowns a lane sits out before dropping the event (default: 3)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1024),
		Lanes:            config.GetIntEnv("DISPATCHER_LANES", 8),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		BreakerThreshold: uint32(max(config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5), 0)),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		MaxBreakerWaits:  config.GetIntEnv("DISPATCHER_MAX_BREAKER_WAITS", 3),
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Lanes <= 0 {
		c.Lanes = 8
	}
	// Every lane holds at least one event
	c.Lanes = min(c.Lanes, c.BufferSize)
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxBreakerWaits <= 0 {
		c.MaxBreakerWaits = 3
	}
	return c
}

// laneCapacity splits the buffer across lanes, rounding up.
func (c MemoryConfig) laneCapacity() int {
	return (c.BufferSize + c.Lanes - 1) / c.Lanes
}
