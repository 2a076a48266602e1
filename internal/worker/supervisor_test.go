package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
	"warpjobs/internal/apperrors"
	"warpjobs/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeWorkerIfRequested()
	os.Exit(m.Run())
}

// fakeInvocation prepares an invocation that re-executes the test binary as the worker.
func fakeInvocation(t *testing.T, fake testutil.FakeWorker) *Invocation {
	t.Helper()
	launcher := NewExecLauncher(Config{
		Binary: testutil.FakeWorkerBinary(),
		Env:    append([]string{"RUST_BACKTRACE=1"}, fake.Env()...),
	})
	inv, err := launcher.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	return inv
}

type progressLog struct {
	mu       sync.Mutex
	messages []Message
}

func (p *progressLog) record(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *progressLog) raw() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, string(m.Raw()))
	}
	return out
}

type decodeCounter struct {
	warnings atomic.Int64
}

func (c *decodeCounter) RecordDecodeWarning(ctx context.Context) {
	c.warnings.Add(1)
}

func TestSupervisor_ReturnsResultAndRelaysProgress(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{
			`{"type":"PROGRESS","message":"starting"}`,
			`{"frames":10,"distance":5.2,"averageError":0.1,"gpsPoints":[],"originalPoints":[]}`,
		},
	})

	progress := &progressLog{}
	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	result, err := sup.Run(context.Background(), inv, []string{"--dry-run"}, progress.record)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Frames != 10 || result.Distance != 5.2 {
		t.Errorf("unexpected result %+v", result)
	}

	got := progress.raw()
	if len(got) != 1 || got[0] != `{"type":"PROGRESS","message":"starting"}` {
		t.Errorf("unexpected progress %v", got)
	}
}

func TestSupervisor_PreservesProgressOrder(t *testing.T) {
	t.Parallel()
	var stdout, want []string
	for i := range 200 {
		var line string
		if i%2 == 0 {
			line = `{"type":"PROGRESS","message":"step ` + strings.Repeat("x", i) + `"}`
		} else {
			line = `{"type":"PROGRESS_STAGE","stage":"stage-` + strings.Repeat("y", i) + `"}`
		}
		stdout = append(stdout, line)
		want = append(want, line)
	}
	stdout = append(stdout, `{"frames":1}`)

	inv := fakeInvocation(t, testutil.FakeWorker{Stdout: stdout})
	progress := &progressLog{}
	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	if _, err := sup.Run(context.Background(), inv, nil, progress.record); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := progress.raw()
	if len(got) != len(want) {
		t.Fatalf("expected %d progress messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSupervisor_LastResultWins(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{
			`{"frames":1}`,
			`{"type":"PROGRESS","message":"more"}`,
			`{"frames":2}`,
			`{"type":"PROGRESS_STAGE","stage":"after result"}`,
		},
	})

	progress := &progressLog{}
	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	result, err := sup.Run(context.Background(), inv, nil, progress.record)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Frames != 2 {
		t.Errorf("expected last result (frames=2), got frames=%d", result.Frames)
	}
	if len(progress.raw()) != 2 {
		t.Errorf("expected 2 progress messages, got %d", len(progress.raw()))
	}
}

func TestSupervisor_MalformedLinesAreDropped(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{
			"Loading frames...",
			`{"type":"PROGRESS","message":"ok"}`,
			`{"broken":`,
			`[1,2,3]`,
			`{"frames":7}`,
		},
	})

	progress := &progressLog{}
	counter := &decodeCounter{}
	sup := NewSupervisor(NewExecLauncher(Config{}), counter)
	result, err := sup.Run(context.Background(), inv, nil, progress.record)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Frames != 7 {
		t.Errorf("expected frames=7, got %d", result.Frames)
	}
	if got := progress.raw(); len(got) != 1 || got[0] != `{"type":"PROGRESS","message":"ok"}` {
		t.Errorf("malformed lines leaked into progress: %v", got)
	}
	if counter.warnings.Load() != 3 {
		t.Errorf("expected 3 decode warnings, got %d", counter.warnings.Load())
	}
}

func TestSupervisor_NonZeroExitDiscardsResult(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout:   []string{`{"frames":10}`},
		Stderr:   []string{"thread 'main' panicked at 'no gps data'"},
		ExitCode: 1,
	})

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	result, err := sup.Run(context.Background(), inv, nil, nil)
	if err == nil {
		t.Fatalf("expected error, got result %+v", result)
	}
	if result != nil {
		t.Error("result must be discarded on failure")
	}
	if !errors.Is(err, apperrors.ErrWorker) {
		t.Errorf("expected ErrWorker, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit code 1") {
		t.Errorf("expected exit code in message, got %q", err.Error())
	}

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected *apperrors.Error")
	}
	if appErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", appErr.ExitCode)
	}
	if !strings.Contains(appErr.Stderr, "no gps data") {
		t.Errorf("expected stderr to be captured, got %q", appErr.Stderr)
	}
}

func TestSupervisor_ExitZeroWithoutResult(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{`{"type":"PROGRESS","message":"only progress"}`},
	})

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	_, err := sup.Run(context.Background(), inv, nil, nil)
	if !errors.Is(err, apperrors.ErrWorker) {
		t.Fatalf("expected ErrWorker, got %v", err)
	}
	if !strings.Contains(err.Error(), "no result emitted") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSupervisor_ErrorMessageFailsJob(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{
			`{"frames":3}`,
			`{"type":"ERROR","error":"video too short"}`,
		},
	})

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	_, err := sup.Run(context.Background(), inv, nil, nil)
	if !errors.Is(err, apperrors.ErrWorker) {
		t.Fatalf("expected ErrWorker, got %v", err)
	}
	if !strings.Contains(err.Error(), "video too short") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	t.Parallel()
	inv := &Invocation{Binary: filepath.Join(t.TempDir(), "missing-binary")}

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	_, err := sup.Run(context.Background(), inv, nil, nil)
	if !errors.Is(err, apperrors.ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestSupervisor_TimeoutKillsWorker(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{`{"type":"PROGRESS","message":"working"}`, `{"frames":1}`},
		Sleep:  30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	start := time.Now()
	_, err := sup.Run(ctx, inv, nil, nil)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("worker was not killed promptly, took %v", elapsed)
	}
}

func TestSupervisor_LingeringDescendantDoesNotHoldJob(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout: []string{`{"type":"PROGRESS","message":"working"}`, `{"frames":7}`},
		Linger: 30 * time.Second,
	})

	progress := &progressLog{}
	sup := NewSupervisor(NewExecLauncher(Config{OutputGrace: 200 * time.Millisecond}), nil)
	start := time.Now()
	result, err := sup.Run(context.Background(), inv, nil, progress.record)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run waited on the descendant, took %v", elapsed)
	}
	if result.Frames != 7 {
		t.Errorf("expected frames 7, got %d", result.Frames)
	}
	if got := progress.raw(); len(got) != 1 {
		t.Errorf("expected the progress line emitted before exit, got %v", got)
	}
}

func TestSupervisor_TimeoutWithClosedStdout(t *testing.T) {
	t.Parallel()
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout:      []string{`{"frames":1}`},
		CloseStdout: true,
		Sleep:       30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	start := time.Now()
	_, err := sup.Run(ctx, inv, nil, nil)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("worker was not killed promptly, took %v", elapsed)
	}
}

func TestPreview_KeepsRunesWhole(t *testing.T) {
	line := strings.Repeat("a", logPreviewLen-1) + "é tail"
	got := preview([]byte(line))
	if !utf8.ValidString(got) {
		t.Fatalf("preview split a rune: %q", got)
	}
	if got != strings.Repeat("a", logPreviewLen-1) {
		t.Errorf("unexpected preview %q", got)
	}
	if short := preview([]byte("  ok  ")); short != "ok" {
		t.Errorf("expected trimmed short line, got %q", short)
	}
}

func TestSupervisor_PassesEnvironment(t *testing.T) {
	t.Parallel()
	argsFile := filepath.Join(t.TempDir(), "record.json")
	inv := fakeInvocation(t, testutil.FakeWorker{
		Stdout:   []string{`{"frames":1}`},
		ArgsFile: argsFile,
	})

	sup := NewSupervisor(NewExecLauncher(Config{}), nil)
	if _, err := sup.Run(context.Background(), inv, []string{"--fps", "30"}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := testutil.ReadRecord(argsFile)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if strings.Join(rec.Args, " ") != "--fps 30" {
		t.Errorf("unexpected args %v", rec.Args)
	}
	if rec.Env["RUST_BACKTRACE"] != "1" {
		t.Errorf("expected RUST_BACKTRACE=1, got %q", rec.Env["RUST_BACKTRACE"])
	}
}
