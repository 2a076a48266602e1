// Package app wires the job service from environment configuration. Both the
// HTTP server and the one-shot runner build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"warpjobs/internal/artifact"
	"warpjobs/internal/config"
	"warpjobs/internal/dispatcher"
	"warpjobs/internal/health"
	"warpjobs/internal/job"
	"warpjobs/internal/observability"
	"warpjobs/internal/progress"
	"warpjobs/internal/worker"
	"warpjobs/internal/workspace"
)

// App holds the process-wide components. They are read-only while jobs run.
type App struct {
	Jobs           *job.Service
	Health         *health.Checker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Dispatcher     *dispatcher.MemoryDispatcher

	docker *worker.DockerLauncher
}

// New builds every component from the environment.
func New(ctx context.Context, svcCfg *config.ServiceConfig) (*App, error) {
	workerCfg := worker.LoadConfigFromEnv(svcCfg.DataDir)
	sinkCfg, err := artifact.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	a := &App{
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Dispatcher:     dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics),
	}

	var (
		launcher     worker.Launcher
		launcherName string
	)
	if workerCfg.Image != "" {
		a.docker, err = worker.NewDockerLauncher(workerCfg)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		launcher, launcherName = a.docker, "docker"
		slog.Info("Running worker in containers", "image", workerCfg.Image)
	} else {
		launcher, launcherName = worker.NewExecLauncher(workerCfg), "exec"
		slog.Info("Running worker as a local process", "binary", workerCfg.Binary, "binDir", workerCfg.BinDir)
	}

	sink, err := artifact.New(ctx, sinkCfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create artifact sink: %w", err)
	}
	if sink == nil {
		slog.Warn("Artifact publishing disabled")
	} else {
		slog.Info("Publishing artifacts", "provider", sink.Provider(), "container", sinkCfg.Container)
	}

	relayCfg := progress.LoadConfigFromEnv()
	relayCfg.SigningKey = svcCfg.CallbackSigningKey

	a.Jobs = job.NewService(
		job.Config{
			Timeout:       svcCfg.JobTimeout,
			OptimizerPath: workerCfg.OptimizerPath,
			Launcher:      launcherName,
			SigningKey:    svcCfg.CallbackSigningKey,
		},
		workspace.NewPreparer(svcCfg.DataDir),
		worker.NewSupervisor(launcher, metrics),
		progress.NewConnector(relayCfg, metrics),
		sink,
		a.Dispatcher,
		metrics,
	)

	a.Health = health.NewChecker(launcher)
	if sink != nil {
		a.Health.AddOptional("artifacts", sink)
	}
	return a, nil
}

// Close drains queued lifecycle events within ctx and releases the Docker client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
		stats := a.Dispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("docker client: %w", err))
		}
	}
	return errors.Join(errs...)
}
