// warp-job runs a single reconstruction job and prints the response envelope.
//
// Usage:
//
//	warp-job [request.json]   read the request from a file, or stdin when omitted
//	warp-job -check-ready     exit 0 if the worker can be launched, 1 otherwise
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"warpjobs/internal/app"
	"warpjobs/internal/config"
	"warpjobs/internal/job"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	// stdout carries the response, logs go to stderr
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, svcCfg, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, svcCfg *config.ServiceConfig, args []string, stdin io.Reader, stdout io.Writer) int {
	components, err := app.New(ctx, svcCfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := components.Close(closeCtx); err != nil {
			slog.Warn("Shutdown error", "error", err)
		}
	}()

	if len(args) > 0 && args[0] == "-check-ready" {
		readiness := components.Health.Readiness(ctx)
		if !readiness.IsReady() {
			slog.Error("Not ready", "checks", readiness.Checks)
			return 1
		}
		return 0
	}

	req, err := readRequest(args, stdin)
	if err != nil {
		slog.Error("Invalid request", "error", err)
		writeResponse(stdout, (&job.Outcome{Status: job.StatusFailure, Error: err.Error()}).Response())
		return 1
	}

	out := components.Jobs.Run(ctx, req)
	writeResponse(stdout, out.Response())
	if !out.Succeeded() {
		return 1
	}
	return 0
}

func readRequest(args []string, stdin io.Reader) (*job.Request, error) {
	src := stdin
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = f
	}

	var req job.Request
	if err := json.NewDecoder(src).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

func writeResponse(w io.Writer, resp job.Response) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(resp); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
