// jobs-service is the HTTP API server that runs reconstruction jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"warpjobs/internal/api"
	"warpjobs/internal/app"
	"warpjobs/internal/config"

	"golang.org/x/sync/errgroup"
)

// failedStartTimeout bounds shutdown when a server could not start.
const failedStartTimeout = 5 * time.Second

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.New(ctx, svcCfg)
	if err != nil {
		return err
	}

	if svcCfg.APIKey == "" {
		slog.Warn("API authentication disabled, no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr: ":" + svcCfg.Port,
		Handler: api.NewRouter(api.RouterConfig{
			Jobs:          components.Jobs,
			Metrics:       components.Metrics,
			HealthChecker: components.Health,
			APIKey:        svcCfg.APIKey,
		}),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: jobWriteTimeout(svcCfg.JobTimeout),
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", components.MetricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve("API", apiServer) })
	g.Go(func() error { return serve("metrics", metricsServer) })
	g.Go(func() error {
		<-gctx.Done()

		timeout := failedStartTimeout
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
			// Fail readiness first so load balancers stop sending jobs
			components.Health.SetShuttingDown()
			if svcCfg.ShutdownDrainWait > 0 {
				slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
				time.Sleep(svcCfg.ShutdownDrainWait)
			}
			timeout = svcCfg.ShutdownTimeout
		}

		slog.Info("Starting graceful shutdown", "timeout", timeout)
		return shutdown(timeout, components, apiServer, metricsServer)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

// jobWriteTimeout lets a response outlive the job it reports on. Without a
// job timeout there is no write deadline either.
func jobWriteTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		return 0
	}
	return jobTimeout + time.Minute
}

func serve(name string, srv *http.Server) error {
	slog.Info("Starting server", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// shutdown lets in-flight jobs finish within timeout, then drains queued
// lifecycle callbacks.
func shutdown(timeout time.Duration, components *app.App, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := components.Close(closeCtx); err != nil {
		slog.Warn("Component shutdown error", "error", err)
	}
	return errors.Join(errs...)
}
