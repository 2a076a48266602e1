// Package progress forwards worker progress to a caller-supplied listener.
//
// Delivery is best effort. A Relay never blocks the caller and never fails a
// job: a listener that cannot be reached, falls behind, or errors is dropped
// and the job carries on.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"warpjobs/internal/worker"
	"warpjobs/pkg/cloudevent"
)

// Envelope is the frame delivered for each progress message.
type Envelope struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Recorder is an optional interface for recording relay metrics.
type Recorder interface {
	RecordProgressRelayed(ctx context.Context)
	RecordProgressDropped(ctx context.Context, reason string)
}

// transport writes encoded frames to the listener. Write is only ever called
// from the relay's writer goroutine; Close may race with an in-flight Write.
type transport interface {
	Write(ctx context.Context, frame []byte) error
	Close(ctx context.Context) error
}

// Connector opens relays with shared settings.
type Connector struct {
	cfg     Config
	sender  *cloudevent.Sender
	metrics Recorder
}

// NewConnector creates a connector. metrics may be nil.
func NewConnector(cfg Config, metrics Recorder) *Connector {
	cfg = cfg.withDefaults()
	return &Connector{
		cfg:     cfg,
		sender:  cloudevent.NewSender(cfg.WriteTimeout),
		metrics: metrics,
	}
}

// Open connects to endpoint and returns a relay for the job identified by key.
// An empty endpoint, an unsupported scheme, or a failed connect all yield a
// relay that silently discards every message.
func (c *Connector) Open(ctx context.Context, key, endpoint string) *Relay {
	logger := slog.With("component", "relay", "jobKey", key)
	if endpoint == "" {
		return &Relay{key: key, logger: logger}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		logger.Warn("Invalid progress endpoint, relay disabled", "error", err)
		return &Relay{key: key, logger: logger}
	}

	var t transport
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		t, err = dialWebsocket(ctx, endpoint, c.cfg)
	case "http", "https":
		t = newEventTransport(c.sender, endpoint, key, c.cfg.SigningKey)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		logger.Warn("Failed to connect progress relay, continuing without it",
			"endpoint", u.Redacted(), "error", err)
		return &Relay{key: key, logger: logger}
	}

	logger.Debug("Progress relay connected", "endpoint", u.Redacted())
	return newRelay(key, logger, t, c.cfg, c.metrics)
}

func newRelay(key string, logger *slog.Logger, t transport, cfg Config, metrics Recorder) *Relay {
	r := &Relay{
		key:          key,
		logger:       logger,
		metrics:      metrics,
		transport:    t,
		writeTimeout: cfg.WriteTimeout,
		closeTimeout: cfg.CloseTimeout,
		outbox:       make(chan []byte, cfg.Buffer),
		done:         make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Relay is a per-job, best-effort progress sink.
// The zero value and a nil *Relay are valid no-op relays.
type Relay struct {
	key     string
	logger  *slog.Logger
	metrics Recorder

	transport    transport
	writeTimeout time.Duration
	closeTimeout time.Duration

	mu     sync.RWMutex // guards outbox against send-after-close
	outbox chan []byte
	closed bool

	broken    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Active reports whether messages can still be delivered.
func (r *Relay) Active() bool {
	if r == nil || r.transport == nil || r.broken.Load() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Send hands msg to the writer without blocking. It is dropped if the relay
// is disabled, closed, broken, or its outbox is full.
func (r *Relay) Send(msg worker.Message) {
	if r == nil || r.transport == nil || msg == nil {
		return
	}
	if r.broken.Load() {
		r.dropped("broken")
		return
	}

	frame, err := json.Marshal(Envelope{Key: r.key, Payload: msg.Raw()})
	if err != nil {
		r.logger.Warn("Failed to encode progress", "error", err)
		r.dropped("encode")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.outbox <- frame:
	default:
		r.dropped("full")
	}
}

// Close flushes pending messages, bounded by the close timeout, and releases
// the connection. It is safe to call more than once.
func (r *Relay) Close() error {
	if r == nil || r.transport == nil {
		return nil
	}

	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.outbox)
		r.mu.Unlock()

		timer := time.NewTimer(r.closeTimeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.logger.Warn("Progress relay flush timed out", "pending", len(r.outbox))
			// Writer discards the rest once broken; closing the transport unblocks it
			r.broken.Store(true)
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
		defer cancel()
		if cerr := r.transport.Close(ctx); cerr != nil {
			r.logger.Debug("Progress relay close failed", "error", cerr)
			err = cerr
		}
	})
	return err
}

func (r *Relay) writeLoop() {
	defer close(r.done)

	for frame := range r.outbox {
		if r.broken.Load() {
			r.dropped("broken")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := r.transport.Write(ctx, frame)
		cancel()
		if err != nil {
			r.logger.Warn("Progress relay failed, disabling", "error", err)
			r.broken.Store(true)
			r.dropped("write")
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordProgressRelayed(context.Background())
		}
	}
}

func (r *Relay) dropped(reason string) {
	if r.metrics != nil {
		r.metrics.RecordProgressDropped(context.Background(), reason)
	}
}
