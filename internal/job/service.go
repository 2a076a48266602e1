// Package job runs reconstruction jobs end to end: prepare the workspace,
// supervise the worker, relay its progress and publish the rendered video.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
	"warpjobs/internal/apperrors"
	"warpjobs/internal/artifact"
	"warpjobs/internal/dispatcher"
	"warpjobs/internal/observability"
	"warpjobs/internal/progress"
	"warpjobs/internal/worker"
	"warpjobs/internal/workspace"

	"golang.org/x/sync/errgroup"
)

// Validation limits
const (
	maxKeyLength      = 128
	maxArgs           = 256
	maxArgLength      = 4096
	maxContentsBytes  = 64 << 20
	maxTimeoutSecs    = 3600
	logPreviewBytes   = 100
	dryRunFlag        = "--dry-run"
	optimizerFlag     = "--optimizer"
	outputDirFlag     = "--output-dir"
	outputFlag        = "--output"
	maxCallbackLength = 2048
)

var (
	// keyPattern allows alphanumeric, dots, hyphens, and underscores
	keyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	// extensionPattern allows a short alphanumeric extension with an optional leading dot
	extensionPattern = regexp.MustCompile(`^\.?[a-zA-Z0-9]{1,16}$`)
)

// Config holds job execution settings.
type Config struct {
	Timeout       time.Duration // default deadline when a request sets none; 0 disables
	OptimizerPath string        // passed with --optimizer when a request asks for it
	Launcher      string        // launcher name, for metrics
	SigningKey    string        // HMAC key for lifecycle events
}

// Service runs jobs. It holds no per-job state; concurrent Runs with
// distinct keys are independent.
type Service struct {
	preparer   *workspace.Preparer
	supervisor *worker.Supervisor
	relays     *progress.Connector
	sink       artifact.Sink
	events     dispatcher.Dispatcher
	metrics    *observability.Metrics
	cfg        Config
}

// NewService creates a job service. sink, events and metrics may be nil: without
// a sink nothing is published, without events no lifecycle callbacks are sent.
func NewService(
	cfg Config,
	preparer *workspace.Preparer,
	supervisor *worker.Supervisor,
	relays *progress.Connector,
	sink artifact.Sink,
	events dispatcher.Dispatcher,
	metrics *observability.Metrics,
) *Service {
	if cfg.Launcher == "" {
		cfg.Launcher = "exec"
	}
	return &Service{
		preparer:   preparer,
		supervisor: supervisor,
		relays:     relays,
		sink:       sink,
		events:     events,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// Run executes one job and always returns an outcome. It never panics on bad
// input and never retries.
func (s *Service) Run(ctx context.Context, req *Request) *Outcome {
	start := time.Now()
	out := &Outcome{Key: req.Key, Stage: StageStart}
	logger := slog.With("jobKey", req.Key)
	logger.Info("Job received",
		"args", strings.Join(req.Args, " "),
		"extension", req.Extension,
		"contents", preview(req.Contents, logPreviewBytes),
		"useOptimizer", req.UseOptimizer,
	)

	if err := validate(req); err != nil {
		logger.Warn("Job rejected", "error", err)
		return s.fail(out, err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx, s.cfg.Launcher)
		defer func() {
			s.metrics.RecordJobCompleted(context.WithoutCancel(ctx), s.cfg.Launcher, failureClass(out.Err), time.Since(start).Seconds())
		}()
	}
	events := s.lifecycle(req)
	events.start(logger, req)
	defer func() { events.exit(logger, out) }()

	if timeout := s.timeout(req); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Preparing: workspace and worker environment in parallel, relay alongside
	out.Stage = StagePreparing
	var (
		inputPath string
		output    workspace.Output
		inv       *worker.Invocation
		relay     *progress.Relay
	)
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Debug("Progress relay close", "error", err)
		}
	}()

	err := s.stage(ctx, logger, "prepare", func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			inputPath, err = s.preparer.PrepareInput(req.Key, req.Contents, req.Extension)
			return err
		})
		g.Go(func() error {
			var err error
			output, err = s.preparer.PrepareOutput(req.Key)
			return err
		})
		g.Go(func() error {
			var err error
			inv, err = s.supervisor.Launcher().Setup(gctx)
			if err != nil {
				return apperrors.Setup("worker setup", err)
			}
			return nil
		})
		g.Go(func() error {
			if s.relays != nil {
				relay = s.relays.Open(gctx, req.Key, req.CallbackEndpoint)
			}
			return nil
		})
		return g.Wait()
	})
	if err != nil {
		logger.Error("Job setup failed", "error", err)
		return s.fail(out, err)
	}

	// Invoking
	out.Stage = StageInvoking
	args := buildArgs(req, inputPath, output, s.cfg.OptimizerPath)
	var result *worker.ResultMessage
	err = s.stage(ctx, logger, "run worker", func() error {
		var err error
		result, err = s.supervisor.Run(ctx, inv, args, relay.Send)
		return err
	})
	if err != nil {
		logWorkerFailure(logger, err)
		return s.fail(out, err)
	}
	out.Metadata = result

	// Publishing
	out.Stage = StagePublishing
	switch {
	case slices.Contains(args, dryRunFlag):
		logger.Info("Dry run, skipping upload")
	case s.sink == nil:
		logger.Warn("No artifact sink configured, skipping upload")
	default:
		var loc *artifact.Location
		err = s.stage(ctx, logger, "upload video", func() error {
			var err error
			loc, err = s.publish(ctx, output.Path, req.Key+workspace.OutputExt)
			return err
		})
		if err != nil {
			logger.Error("Upload failed", "error", err)
			return s.fail(out, err)
		}
		logger.Info("Upload location", "url", loc.URL)
		out.Artifact = loc
	}

	out.Stage = StageDone
	out.Status = StatusSuccess
	logger.Info("Job finished", "frames", result.Frames, "duration", time.Since(start))
	return out
}

func (s *Service) publish(ctx context.Context, localPath, blobName string) (*artifact.Location, error) {
	start := time.Now()
	loc, err := s.sink.Upload(ctx, localPath, blobName)
	if s.metrics != nil {
		s.metrics.RecordUpload(ctx, s.sink.Provider(), err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Timeout("upload", time.Since(start).Round(time.Millisecond))
		}
		return nil, apperrors.Publish("upload", err)
	}
	return loc, nil
}

// stage runs fn and logs how long it took.
func (s *Service) stage(ctx context.Context, logger *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	logger.Info(name+" finished", "duration", elapsed, "ok", err == nil)
	if s.metrics != nil {
		s.metrics.RecordStage(context.WithoutCancel(ctx), name, elapsed.Seconds())
	}
	return err
}

func (s *Service) fail(out *Outcome, err error) *Outcome {
	out.FailedAt = out.Stage
	out.Stage = StageFailed
	out.Status = StatusFailure
	out.Metadata = nil
	out.Artifact = nil
	out.Err = err
	out.Error = err.Error()
	return out
}

func (s *Service) timeout(req *Request) time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds) * time.Second
	}
	return s.cfg.Timeout
}

// buildArgs appends the workspace paths to a copy of the caller's arguments.
func buildArgs(req *Request, inputPath string, output workspace.Output, optimizerPath string) []string {
	args := make([]string, 0, len(req.Args)+7)
	args = append(args, req.Args...)
	args = append(args, outputDirFlag, output.Dir, outputFlag, output.Path, inputPath)
	if req.UseOptimizer && optimizerPath != "" {
		args = append(args, optimizerFlag, optimizerPath)
	}
	return args
}

func logWorkerFailure(logger *slog.Logger, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Stderr != "" {
		logger.Error("Worker failed", "error", err, "stderr", appErr.Stderr)
		return
	}
	logger.Error("Worker failed", "error", err)
}

// failureClass labels err for metrics; success is the empty class.
func failureClass(err error) string {
	if err == nil {
		return ""
	}
	return apperrors.Class(err)
}

// validate checks a job request. Does not modify the request.
func validate(req *Request) error {
	if req.Key == "" {
		return apperrors.Validation("key", "key is required")
	}
	if len(req.Key) > maxKeyLength {
		return apperrors.Validation("key", fmt.Sprintf("key exceeds maximum length of %d", maxKeyLength))
	}
	if !keyPattern.MatchString(req.Key) || strings.Contains(req.Key, "..") {
		return apperrors.Validation("key", "key must be alphanumeric (dots, hyphens and underscores allowed, cannot start with them)")
	}

	if !extensionPattern.MatchString(req.Extension) {
		return apperrors.Validation("extension", "extension must be 1-16 alphanumeric characters")
	}

	if req.Args == nil {
		return apperrors.Validation("args", "args is required")
	}
	if len(req.Args) > maxArgs {
		return apperrors.Validation("args", fmt.Sprintf("args exceed maximum of %d", maxArgs))
	}
	for i, arg := range req.Args {
		if len(arg) > maxArgLength {
			return apperrors.Validation("args", fmt.Sprintf("args[%d] exceeds maximum length of %d", i, maxArgLength))
		}
		if strings.ContainsRune(arg, 0) {
			return apperrors.Validation("args", fmt.Sprintf("args[%d] contains a NUL byte", i))
		}
	}

	if len(req.Contents) > maxContentsBytes {
		return apperrors.Validation("contents", fmt.Sprintf("contents exceed maximum of %d bytes", maxContentsBytes))
	}

	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout must be between 0 and %d seconds", maxTimeoutSecs))
	}

	if req.CallbackEndpoint != "" {
		if err := validateEndpoint(req.CallbackEndpoint); err != nil {
			return apperrors.Validation("callbackEndpoint", fmt.Sprintf("invalid callback endpoint: %v", err))
		}
	}

	return nil
}

func validateEndpoint(rawURL string) error {
	if len(rawURL) > maxCallbackLength {
		return fmt.Errorf("exceeds maximum length of %d", maxCallbackLength)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("malformed URL")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("URL scheme must be ws, wss, http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// preview cuts s to at most n bytes without splitting a rune.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
