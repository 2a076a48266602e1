package progress

import (
	"time"
	"warpjobs/internal/config"
)

// Config holds relay settings.
type Config struct {
	DialTimeout  time.Duration // websocket handshake bound
	WriteTimeout time.Duration // per-frame or per-request write bound
	CloseTimeout time.Duration // how long Close waits for the outbox to flush
	Buffer       int           // outbox capacity; sends beyond it are dropped
	SigningKey   string        // HMAC key for HTTP progress events
}

// LoadConfigFromEnv loads relay configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		DialTimeout:  config.GetDurationEnv("RELAY_DIAL_TIMEOUT", 5*time.Second),
		WriteTimeout: config.GetDurationEnv("RELAY_WRITE_TIMEOUT", 5*time.Second),
		CloseTimeout: config.GetDurationEnv("RELAY_CLOSE_TIMEOUT", 5*time.Second),
		Buffer:       config.GetIntEnv("RELAY_BUFFER", 1024),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	return c
}
