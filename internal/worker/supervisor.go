// Package worker runs the external reconstruction tool and decodes its
// line-delimited JSON output.
//
// The Supervisor owns three streams per run: the worker's stdout (decoded and
// routed), its stderr (buffered for diagnostics), and the process exit. Exit
// is awaited alongside the readers, so a descendant that keeps the output open
// cannot hold the job. The terminal result is returned once the exit status is
// known and both streams have delivered every line written before it.
package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
	"warpjobs/internal/apperrors"
)

// maxLineSize bounds a single line of worker output.
const maxLineSize = 10 * 1000 * 1000

// logPreviewLen is how much of each stdout line is echoed to the log.
const logPreviewLen = 80

// ProgressFunc receives progress messages in the order the worker emitted them.
// It is called synchronously from the decode loop and must not block.
type ProgressFunc func(Message)

// Recorder is an optional interface for recording supervisor metrics.
type Recorder interface {
	RecordDecodeWarning(ctx context.Context)
}

type exitStatus struct {
	code int
	err  error
}

// Supervisor spawns the worker and reconciles its output into one result.
type Supervisor struct {
	launcher Launcher
	metrics  Recorder
}

// NewSupervisor creates a supervisor using the given launcher. metrics may be nil.
func NewSupervisor(launcher Launcher, metrics Recorder) *Supervisor {
	return &Supervisor{launcher: launcher, metrics: metrics}
}

// Launcher returns the launcher used to spawn workers.
func (s *Supervisor) Launcher() Launcher {
	return s.launcher
}

// Run starts the worker with args and blocks until it exits.
//
// Progress messages are handed to onProgress as they are decoded. The last
// terminal message wins and is returned only if the worker exits with code 0.
func (s *Supervisor) Run(ctx context.Context, inv *Invocation, args []string, onProgress ProgressFunc) (*ResultMessage, error) {
	name := filepath.Base(inv.Binary)
	logger := slog.With("component", "supervisor", "worker", name)
	start := time.Now()

	proc, err := s.launcher.Start(ctx, inv, args)
	if err != nil {
		logger.Error("Failed to spawn worker", "error", err)
		return nil, apperrors.Spawn(name, err)
	}
	logger.Info("Spawned worker", "args", strings.Join(args, " "))

	stdoutDone := make(chan Message, 1)
	stderrDone := make(chan string, 1)
	exited := make(chan exitStatus, 1)

	go func() {
		stdoutDone <- s.decodeLoop(ctx, logger, proc.Stdout(), onProgress)
	}()
	go func() {
		stderrDone <- collectLines(logger, proc.Stderr())
	}()
	go func() {
		code, err := proc.Wait()
		exited <- exitStatus{code: code, err: err}
	}()

	// Exit is detected independently of the readers. Once Wait returns the
	// launcher ends both streams, so the lines already emitted are still read.
	var (
		exit   exitStatus
		killed bool
	)
	select {
	case exit = <-exited:
	case <-ctx.Done():
		logger.Warn("Killing worker", "reason", ctx.Err())
		killed = true
		if err := proc.Kill(); err != nil {
			logger.Warn("Failed to kill worker", "error", err)
		}
		exit = <-exited
	}
	result := <-stdoutDone
	stderr := <-stderrDone
	exitCode, waitErr := exit.code, exit.err

	logger = logger.With("exitCode", exitCode, "duration", time.Since(start))

	// A context that ends while Wait is pending also kills the worker
	if ctxErr := ctx.Err(); ctxErr != nil && (killed || exitCode != 0) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, apperrors.Timeout(name, time.Since(start).Round(time.Millisecond))
		}
		return nil, apperrors.Internal(name, ctxErr)
	}
	if waitErr != nil {
		logger.Error("Failed to wait for worker", "error", waitErr)
		return nil, apperrors.Internal(name+".wait", waitErr)
	}
	if exitCode != 0 {
		logger.Error("Worker failed", "args", strings.Join(args, " "), "stderr", stderr)
		return nil, apperrors.WorkerExit(name, exitCode, stderr)
	}

	switch msg := result.(type) {
	case *ResultMessage:
		logger.Info("Worker finished", "frames", msg.Frames)
		return msg, nil
	case *ErrorMessage:
		logger.Error("Worker reported an error", "error", msg.Error, "stderr", stderr)
		return nil, apperrors.WorkerReason(name, msg.Error)
	default:
		logger.Error("Worker exited without a result", "stderr", stderr)
		return nil, apperrors.WorkerReason(name, "no result emitted")
	}
}

// decodeLoop reads stdout line by line and routes each decoded message.
// It returns the last terminal message seen. It is the only writer of that
// value, so no synchronization is needed beyond the returning channel send.
func (s *Supervisor) decodeLoop(ctx context.Context, logger *slog.Logger, r io.Reader, onProgress ProgressFunc) Message {
	var last Message

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		logger.Debug("Worker output", "line", preview(line))

		msg, err := Decode(line)
		if err != nil {
			logger.Warn("Could not parse worker output", "line", preview(line), "error", err)
			if s.metrics != nil {
				s.metrics.RecordDecodeWarning(ctx)
			}
			continue
		}

		if IsProgress(msg) {
			if onProgress != nil {
				onProgress(msg)
			}
			continue
		}
		last = msg
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("Worker output stream ended", "error", err)
		// Keep draining so the worker never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
	return last
}

// collectLines buffers stderr for diagnostics. It never influences control flow.
func collectLines(logger *slog.Logger, r io.Reader) string {
	var lines []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("Worker stderr", "line", line)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return strings.Join(lines, "\n")
}

func preview(line []byte) string {
	s := strings.TrimSpace(string(line))
	if len(s) <= logPreviewLen {
		return s
	}
	n := logPreviewLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
