package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"warpjobs/pkg/backoff"
	"warpjobs/pkg/cloudevent"

	"github.com/sony/gobreaker"
)

// Drop reasons reported to metrics.
const (
	dropBufferFull  = "buffer_full"
	dropCircuitOpen = "circuit_open"
)

// MetricsRecorder receives dispatcher metrics. It may be nil.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context, reason string)
	RecordDispatcherHeld(ctx context.Context)
	RecordDispatcherPending(ctx context.Context, pending int64)
}

// MemoryDispatcher spreads events over a fixed set of lanes. Each lane is a
// bounded channel drained by a single goroutine, and an event's lane is chosen
// from its subject, so one job's events never overtake each other.
type MemoryDispatcher struct {
	lanes    []chan *Event
	sender   *cloudevent.Sender
	breakers *breakerRegistry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	held         atomic.Int64
	retriesTotal atomic.Int64

	// mu guards closed against concurrent sends on the lanes
	mu       sync.RWMutex
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMemory starts the lane goroutines and returns the dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	logger := slog.With("component", "dispatcher")
	d := &MemoryDispatcher{
		lanes:    make([]chan *Event, cfg.Lanes),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: newBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	capacity := cfg.laneCapacity()
	for i := range d.lanes {
		lane := make(chan *Event, capacity)
		d.lanes[i] = lane
		d.wg.Go(func() { d.runLane(lane) })
	}
	if metrics != nil {
		go d.reportPending()
	}

	logger.Info("Dispatcher started", "lanes", cfg.Lanes, "laneCapacity", capacity, "maxRetries", cfg.MaxRetries)
	return d
}

// Dispatch places the event on its lane, or drops it when the lane is full.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.laneFor(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, dropBufferFull)
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) laneFor(event *Event) chan *Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(event.orderingKey()))
	return d.lanes[h.Sum32()%uint32(len(d.lanes))]
}

func (d *MemoryDispatcher) pending() int {
	n := 0
	for _, lane := range d.lanes {
		n += len(lane)
	}
	return n
}

// Stats returns a snapshot of the counters.
func (d *MemoryDispatcher) Stats() Stats {
	breakers := d.breakers.stats()
	return Stats{
		Pending:       d.pending(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Held:          d.held.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakers.Total,
		BreakersOpen:  breakers.Open,
	}
}

// Close stops intake, lets each lane finish what it holds, and waits for the
// lanes until ctx is done. Events behind an open circuit are dropped rather
// than waited for.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	close(d.shutdown)

	d.logger.Info("Dispatcher draining", "pending", d.pending())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain timed out", "pending", d.pending())
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) runLane(lane <-chan *Event) {
	for event := range lane {
		d.deliver(event)
	}
}

func (d *MemoryDispatcher) reportPending() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherPending(context.Background(), int64(d.pending()))
		}
	}
}

// deliver sends one event. While the destination's circuit is open the lane
// waits out the cooldown instead of skipping ahead, which keeps the order.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.get(host)
	start := time.Now()

	for waits := 0; ; waits++ {
		err := d.attempt(breaker, event)
		switch {
		case err == nil:
			d.delivered.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDelivered(context.Background(), time.Since(start).Seconds())
			}
			return

		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			if waits >= d.config.MaxBreakerWaits || !d.sleep(d.config.BreakerCooldown) {
				d.drop(event, dropCircuitOpen)
				return
			}
			d.held.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherHeld(context.Background())
			}
			d.logger.Debug("Holding event for open circuit", "destination", host, "subject", event.orderingKey(), "waits", waits+1)

		default:
			d.failed.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherFailed(context.Background())
			}
			d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "subject", event.orderingKey(), "error", err)
			return
		}
	}
}

func (d *MemoryDispatcher) attempt(breaker *gobreaker.CircuitBreaker, event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryBudget)
	defer cancel()

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, d.sendWithRetry(ctx, event)
	})
	return err
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	var err error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.Wait(ctx, attempt, d.config.Backoff); err != nil {
				return err
			}
		}

		if err = d.sender.Send(ctx, event.Destination, event.Payload, opts); err == nil {
			return nil
		}
		if cloudevent.IsClientError(err) {
			return err
		}
	}
	return err
}

// sleep waits for dur and reports false if the dispatcher closed first.
func (d *MemoryDispatcher) sleep(dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-d.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background(), reason)
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"subject", event.orderingKey(),
	)
}

// extractHost keys circuit breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
