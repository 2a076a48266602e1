package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Invocation is the resolved execution environment for the worker.
// It is produced once per job by Launcher.Setup.
type Invocation struct {
	Binary string   // Resolved executable (host path, or command inside the container)
	Env    []string // KEY=VALUE entries for the process
}

// Process is a started worker. Wait may be called while Stdout and Stderr are
// still being read; once it returns, both readers reach EOF promptly.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// Abnormal termination is reported as -1. The error is non-nil only when
	// the exit status could not be determined.
	Wait() (int, error)
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher starts worker processes on a particular runtime.
type Launcher interface {
	// Setup locates the worker and builds its environment.
	Setup(ctx context.Context) (*Invocation, error)
	// Start spawns the worker with the given arguments.
	Start(ctx context.Context, inv *Invocation, args []string) (Process, error)
	// Ready checks that the runtime can launch workers.
	Ready(ctx context.Context) error
}

// ExecLauncher runs the worker as a local child process.
type ExecLauncher struct {
	cfg Config
}

// NewExecLauncher creates a launcher for host processes.
func NewExecLauncher(cfg Config) *ExecLauncher {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = defaultOutputGrace
	}
	return &ExecLauncher{cfg: cfg}
}

// Setup registers the bin dir on PATH and resolves the worker binary against it.
// The parent process environment is never modified.
func (l *ExecLauncher) Setup(ctx context.Context) (*Invocation, error) {
	path := os.Getenv("PATH")
	if l.cfg.BinDir != "" {
		binDir, err := filepath.Abs(l.cfg.BinDir)
		if err != nil {
			return nil, fmt.Errorf("invalid bin dir: %w", err)
		}
		info, err := os.Stat(binDir)
		if err != nil {
			return nil, fmt.Errorf("bin dir not accessible: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("bin dir %s is not a directory", binDir)
		}
		path = binDir + string(os.PathListSeparator) + path
	}

	binary, err := lookPath(l.cfg.Binary, path)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(os.Environ())+len(l.cfg.Env)+1)
	env = append(env, os.Environ()...)
	env = append(env, "PATH="+path)
	// Later entries win, so configured variables override the parent environment
	env = append(env, l.cfg.Env...)

	return &Invocation{Binary: binary, Env: env}, nil
}

// Start spawns the worker in its own process group. When ctx is cancelled the
// whole group is killed.
//
// The worker writes into in-process pipes, so Wait observes the exit while the
// readers are still draining. Output still arriving OutputGrace after the exit
// (typically from a descendant that inherited the pipes) is cut off.
func (l *ExecLauncher) Start(ctx context.Context, inv *Invocation, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, inv.Binary, args...)
	cmd.Env = inv.Env
	cmd.WaitDelay = l.cfg.OutputGrace
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process) }

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, err
	}

	return &execProcess{
		cmd:     cmd,
		stdout:  stdoutR,
		stderr:  stderrR,
		writers: []*io.PipeWriter{stdoutW, stderrW},
	}, nil
}

// Ready verifies the worker binary can be resolved.
func (l *ExecLauncher) Ready(ctx context.Context) error {
	_, err := l.Setup(ctx)
	return err
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  io.Reader
	writers []*io.PipeWriter
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

// Wait returns once the worker has exited and its output has been copied, or
// the output grace period has run out. Descendants left in the worker's
// process group are killed and both readers then reach EOF.
func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = killProcessGroup(p.cmd.Process)
	for _, w := range p.writers {
		w.Close()
	}

	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd.Process)
}

// lookPath resolves name against the given PATH value instead of the process
// environment, so a job-specific bin dir never leaks into other jobs.
func lookPath(name, path string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if err := checkExecutable(name); err != nil {
			return "", fmt.Errorf("worker binary %s: %w", name, err)
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("worker binary %q not found in PATH", name)
}

func checkExecutable(file string) error {
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("not executable")
	}
	return nil
}
