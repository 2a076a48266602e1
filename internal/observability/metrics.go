package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, jobs and their stages take
// - Traffic: Request/job throughput, relayed progress
// - Errors: Failed jobs by class, decode warnings, dropped progress
// - Saturation: Concurrent jobs, dispatcher queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	StageDuration  metric.Float64Histogram

	// Worker output and progress relay
	DecodeWarnings   metric.Int64Counter
	ProgressRelayed  metric.Int64Counter
	ProgressDropped  metric.Int64Counter
	UploadDuration   metric.Float64Histogram
	UploadErrorTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherHeld      metric.Int64Counter
	DispatcherPending   metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	r := &registrar{meter: provider.Meter("warpjobs")}
	m := &Metrics{meter: r.meter}

	m.HTTPRequestDuration = r.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.005, 0.05, 0.25, 1, 5, 15, 60, 180, 600)
	m.HTTPRequestsTotal = r.counter("http_requests_total", "HTTP requests served")
	m.HTTPErrorsTotal = r.counter("http_errors_total", "HTTP responses with a 4xx or 5xx status")

	m.JobDuration = r.histogram("job_duration_seconds", "Wall time from request to outcome",
		1, 5, 10, 30, 60, 120, 300, 600, 900)
	m.JobsTotal = r.counter("jobs_total", "Jobs that passed validation")
	m.JobErrorsTotal = r.counter("job_errors_total", "Failed jobs by failure class")
	m.JobsActive = r.upDownCounter("jobs_active", "Jobs currently running")
	m.StageDuration = r.histogram("job_stage_duration_seconds", "Duration of each job stage",
		0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600)

	m.DecodeWarnings = r.counter("worker_decode_warnings_total", "Worker output lines that could not be decoded")
	m.ProgressRelayed = r.counter("progress_relayed_total", "Progress messages delivered to listeners")
	m.ProgressDropped = r.counter("progress_dropped_total", "Progress messages not delivered, by reason")
	m.UploadDuration = r.histogram("artifact_upload_duration_seconds", "Artifact upload latency in seconds",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120)
	m.UploadErrorTotal = r.counter("artifact_upload_errors_total", "Failed artifact uploads")

	m.DispatcherDuration = r.histogram("dispatcher_duration_seconds", "Lifecycle event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = r.counter("dispatcher_delivered_total", "Lifecycle events delivered")
	m.DispatcherFailed = r.counter("dispatcher_failed_total", "Lifecycle events that failed after retries")
	m.DispatcherDropped = r.counter("dispatcher_dropped_total", "Lifecycle events dropped, by reason")
	m.DispatcherHeld = r.counter("dispatcher_held_total", "Breaker cooldowns a delivery lane waited out")
	m.DispatcherPending = r.gauge("dispatcher_pending_events", "Lifecycle events waiting across all lanes")

	if r.err != nil {
		return nil, nil, r.err
	}
	return m, promhttp.Handler(), nil
}

// registrar creates instruments and keeps the first error.
type registrar struct {
	meter metric.Meter
	err   error
}

func (r *registrar) counter(name, desc string) metric.Int64Counter {
	c, err := r.meter.Int64Counter(name, metric.WithDescription(desc))
	r.keep(err)
	return c
}

func (r *registrar) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := r.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	r.keep(err)
	return c
}

func (r *registrar) gauge(name, desc string) metric.Int64Gauge {
	g, err := r.meter.Int64Gauge(name, metric.WithDescription(desc))
	r.keep(err)
	return g
}

func (r *registrar) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	h, err := r.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	r.keep(err)
	return h
}

func (r *registrar) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records a job entering the pipeline.
func (m *Metrics) RecordJobStarted(ctx context.Context, launcher string) {
	attrs := metric.WithAttributes(launcherAttr(launcher))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a finished job. An empty class means success.
func (m *Metrics) RecordJobCompleted(ctx context.Context, launcher, class string, durationSeconds float64) {
	success := class == ""
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(launcherAttr(launcher), successAttr(success)))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(launcherAttr(launcher)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(launcherAttr(launcher), classAttr(class)))
	}
}

// RecordStage records how long a job stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, durationSeconds float64) {
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage)))
}

// RecordDecodeWarning records an undecodable worker output line.
func (m *Metrics) RecordDecodeWarning(ctx context.Context) {
	m.DecodeWarnings.Add(ctx, 1)
}

// RecordProgressRelayed records a progress message delivered to a listener.
func (m *Metrics) RecordProgressRelayed(ctx context.Context) {
	m.ProgressRelayed.Add(ctx, 1)
}

// RecordProgressDropped records a progress message that was not delivered.
func (m *Metrics) RecordProgressDropped(ctx context.Context, reason string) {
	m.ProgressDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordUpload records an artifact upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, provider string, success bool, durationSeconds float64) {
	m.UploadDuration.Record(ctx, durationSeconds, metric.WithAttributes(providerAttr(provider), successAttr(success)))
	if !success {
		m.UploadErrorTotal.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherDropped(ctx context.Context, reason string) {
	m.DispatcherDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

func (m *Metrics) RecordDispatcherHeld(ctx context.Context) {
	m.DispatcherHeld.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherPending(ctx context.Context, pending int64) {
	m.DispatcherPending.Record(ctx, pending)
}
