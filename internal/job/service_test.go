package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"warpjobs/internal/apperrors"
	"warpjobs/internal/artifact"
	"warpjobs/internal/dispatcher"
	"warpjobs/internal/progress"
	"warpjobs/internal/testutil"
	"warpjobs/internal/worker"
	"warpjobs/internal/workspace"

	"github.com/gorilla/websocket"
)

func TestMain(m *testing.M) {
	testutil.RunFakeWorkerIfRequested()
	os.Exit(m.Run())
}

const sampleResult = `{"frames":10,"distance":5.2,"averageError":0.1,"gpsPoints":[],"originalPoints":[]}`

type fakeSink struct {
	mu      sync.Mutex
	uploads map[string]string
	err     error
}

func (s *fakeSink) Provider() string { return "fake" }

func (s *fakeSink) Ready(ctx context.Context) error { return nil }

func (s *fakeSink) Upload(ctx context.Context, localPath, blobName string) (*artifact.Location, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = make(map[string]string)
	}
	s.uploads[blobName] = string(data)
	return &artifact.Location{URL: "https://cdn.example.com/output/" + blobName}, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (d *recordingDispatcher) Dispatch(event *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }

func (d *recordingDispatcher) Close(ctx context.Context) error { return nil }

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.Payload.Type)
	}
	return out
}

type fixture struct {
	dataDir string
	sink    *fakeSink
	events  *recordingDispatcher
}

// newService builds a service whose worker is the fake worker described by fake.
func newService(t *testing.T, fake testutil.FakeWorker, cfg Config, withSink bool) (*Service, *fixture) {
	t.Helper()
	f := &fixture{dataDir: t.TempDir(), events: &recordingDispatcher{}}
	launcher := worker.NewExecLauncher(worker.Config{
		Binary: testutil.FakeWorkerBinary(),
		Env:    append([]string{"RUST_BACKTRACE=1"}, fake.Env()...),
	})
	var sink artifact.Sink
	if withSink {
		f.sink = &fakeSink{}
		sink = f.sink
	}
	svc := NewService(
		cfg,
		workspace.NewPreparer(f.dataDir),
		worker.NewSupervisor(launcher, nil),
		progress.NewConnector(progress.Config{}, nil),
		sink,
		f.events,
		nil,
	)
	return svc, f
}

func validRequest(key string, args ...string) *Request {
	if args == nil {
		args = []string{}
	}
	return &Request{
		Key:       key,
		Args:      args,
		Contents:  "<gpx></gpx>",
		Extension: "gpx",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
		field   string
	}{
		{name: "valid minimal request", mutate: func(r *Request) {}},
		{name: "empty key", mutate: func(r *Request) { r.Key = "" }, wantErr: true, field: "key"},
		{name: "key too long", mutate: func(r *Request) { r.Key = strings.Repeat("a", maxKeyLength+1) }, wantErr: true, field: "key"},
		{name: "key with slash", mutate: func(r *Request) { r.Key = "a/b" }, wantErr: true, field: "key"},
		{name: "key with traversal", mutate: func(r *Request) { r.Key = "a..b" }, wantErr: true, field: "key"},
		{name: "key starting with dot", mutate: func(r *Request) { r.Key = ".hidden" }, wantErr: true, field: "key"},
		{name: "key with dots and dashes", mutate: func(r *Request) { r.Key = "ride-2024.07_01" }},
		{name: "empty extension", mutate: func(r *Request) { r.Extension = "" }, wantErr: true, field: "extension"},
		{name: "extension with dot", mutate: func(r *Request) { r.Extension = ".gpx" }},
		{name: "extension with slash", mutate: func(r *Request) { r.Extension = "g/px" }, wantErr: true, field: "extension"},
		{name: "nil args", mutate: func(r *Request) { r.Args = nil }, wantErr: true, field: "args"},
		{name: "NUL in args", mutate: func(r *Request) { r.Args = []string{"--x\x00"} }, wantErr: true, field: "args"},
		{name: "too many args", mutate: func(r *Request) { r.Args = make([]string, maxArgs+1) }, wantErr: true, field: "args"},
		{name: "negative timeout", mutate: func(r *Request) { r.TimeoutSeconds = -1 }, wantErr: true, field: "timeoutSeconds"},
		{name: "timeout too large", mutate: func(r *Request) { r.TimeoutSeconds = maxTimeoutSecs + 1 }, wantErr: true, field: "timeoutSeconds"},
		{name: "websocket callback", mutate: func(r *Request) { r.CallbackEndpoint = "wss://progress.example.com/jobs" }},
		{name: "http callback", mutate: func(r *Request) { r.CallbackEndpoint = "http://localhost:9000/events" }},
		{name: "ftp callback", mutate: func(r *Request) { r.CallbackEndpoint = "ftp://example.com" }, wantErr: true, field: "callbackEndpoint"},
		{name: "callback without host", mutate: func(r *Request) { r.CallbackEndpoint = "ws:///path" }, wantErr: true, field: "callbackEndpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest("job1")
			tt.mutate(req)
			err := validate(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if appErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.field)
			}
		})
	}
}

func TestRun_DryRunSucceedsWithoutUpload(t *testing.T) {
	t.Parallel()
	argsFile := filepath.Join(t.TempDir(), "record.json")
	svc, f := newService(t, testutil.FakeWorker{
		Stdout:   []string{`{"type":"PROGRESS","message":"starting"}`, sampleResult},
		ArgsFile: argsFile,
	}, Config{}, true)

	out := svc.Run(context.Background(), validRequest("job1", "--dry-run"))
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Stage != StageDone {
		t.Errorf("Stage = %q, want done", out.Stage)
	}
	if out.Artifact != nil || f.sink.count() != 0 {
		t.Error("dry run must not upload")
	}

	resp := out.Response()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Body != `{"metadataResult":`+sampleResult+`}` {
		t.Errorf("Body = %s", resp.Body)
	}

	rec, err := testutil.ReadRecord(argsFile)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	wantArgs := []string{
		"--dry-run",
		"--output-dir", filepath.Join(f.dataDir, "output", "job1"),
		"--output", filepath.Join(f.dataDir, "output", "job1", "job1.mp4"),
		filepath.Join(f.dataDir, "input", "job1.gpx"),
	}
	if !slices.Equal(rec.Args, wantArgs) {
		t.Errorf("args = %v, want %v", rec.Args, wantArgs)
	}
	if rec.Input != "<gpx></gpx>" {
		t.Errorf("input = %q", rec.Input)
	}
}

func TestRun_UploadsVideo(t *testing.T) {
	t.Parallel()
	svc, f := newService(t, testutil.FakeWorker{
		Stdout:      []string{sampleResult},
		WriteOutput: "video-bytes",
	}, Config{}, true)

	out := svc.Run(context.Background(), validRequest("ride-42"))
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Artifact == nil || out.Artifact.URL != "https://cdn.example.com/output/ride-42.mp4" {
		t.Fatalf("unexpected artifact %+v", out.Artifact)
	}
	if got := f.sink.uploads["ride-42.mp4"]; got != "video-bytes" {
		t.Errorf("uploaded %q, want video-bytes", got)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out.Response().Body), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if string(body["videoResult"]) != `{"url":"https://cdn.example.com/output/ride-42.mp4"}` {
		t.Errorf("videoResult = %s", body["videoResult"])
	}
}

func TestRun_NoSinkSkipsUpload(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}}, Config{}, false)

	out := svc.Run(context.Background(), validRequest("job1"))
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if strings.Contains(out.Response().Body, "videoResult") {
		t.Errorf("videoResult should be omitted, got %s", out.Response().Body)
	}
}

func TestRun_WorkerExitFails(t *testing.T) {
	t.Parallel()
	svc, f := newService(t, testutil.FakeWorker{
		Stdout:   []string{sampleResult},
		Stderr:   []string{"panicked"},
		ExitCode: 1,
	}, Config{}, true)

	out := svc.Run(context.Background(), validRequest("job1"))
	if out.Succeeded() {
		t.Fatal("expected failure")
	}
	if out.FailedAt != StageInvoking || out.Stage != StageFailed {
		t.Errorf("Stage = %q, FailedAt = %q", out.Stage, out.FailedAt)
	}
	if !strings.Contains(out.Error, "exit code 1") {
		t.Errorf("Error = %q", out.Error)
	}
	if out.Metadata != nil || f.sink.count() != 0 {
		t.Error("failed job must not publish results")
	}

	resp := out.Response()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	var body Body
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Error != out.Error || body.MetadataResult != nil {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRun_UploadFailure(t *testing.T) {
	t.Parallel()
	svc, f := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}, WriteOutput: "v"}, Config{}, true)
	f.sink.err = errors.New("connection reset")

	out := svc.Run(context.Background(), validRequest("job1"))
	if out.Succeeded() {
		t.Fatal("expected failure")
	}
	if !errors.Is(out.Err, apperrors.ErrPublish) {
		t.Errorf("expected ErrPublish, got %v", out.Err)
	}
	if out.FailedAt != StagePublishing {
		t.Errorf("FailedAt = %q, want publishing", out.FailedAt)
	}
}

func TestRun_SetupFailure(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}}, Config{}, false)
	// Data dir replaced by a regular file
	if err := os.WriteFile(filepath.Join(svc.preparer.DataDir(), "input"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := svc.Run(context.Background(), validRequest("job1"))
	if !errors.Is(out.Err, apperrors.ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", out.Err)
	}
	if out.FailedAt != StagePreparing {
		t.Errorf("FailedAt = %q, want preparing", out.FailedAt)
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	t.Parallel()
	svc, f := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}}, Config{}, false)

	req := validRequest("../etc")
	req.CallbackEndpoint = "http://localhost:1/events"
	out := svc.Run(context.Background(), req)
	if !errors.Is(out.Err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", out.Err)
	}
	if len(f.events.types()) != 0 {
		t.Error("rejected requests must not emit lifecycle events")
	}
}

func TestRun_OptimizerArgs(t *testing.T) {
	t.Parallel()
	argsFile := filepath.Join(t.TempDir(), "record.json")
	svc, _ := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}, ArgsFile: argsFile},
		Config{OptimizerPath: "/opt/warp/bin/path_optimizer/main.py"}, false)

	req := validRequest("job1", "--dry-run")
	req.UseOptimizer = true
	if out := svc.Run(context.Background(), req); !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}

	rec, err := testutil.ReadRecord(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	n := len(rec.Args)
	if n < 3 || rec.Args[n-2] != "--optimizer" || rec.Args[n-1] != "/opt/warp/bin/path_optimizer/main.py" {
		t.Errorf("expected --optimizer after the input path, got %v", rec.Args)
	}
	if !strings.HasSuffix(rec.Args[n-3], "job1.gpx") {
		t.Errorf("expected input path before --optimizer, got %v", rec.Args)
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}, Sleep: 30 * time.Second},
		Config{Timeout: 300 * time.Millisecond}, false)

	start := time.Now()
	out := svc.Run(context.Background(), validRequest("job1"))
	if !errors.Is(out.Err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", out.Err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("job was not stopped promptly")
	}
}

func TestRun_ConcurrentJobsAreIndependent(t *testing.T) {
	t.Parallel()
	svc, f := newService(t, testutil.FakeWorker{Stdout: []string{sampleResult}, WriteOutput: "v"}, Config{}, true)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Go(func() {
			if out := svc.Run(context.Background(), validRequest(key)); !out.Succeeded() {
				t.Errorf("job %s failed: %v", key, out.Err)
			}
		})
	}
	wg.Wait()
	if f.sink.count() != 4 {
		t.Errorf("expected 4 uploads, got %d", f.sink.count())
	}
}

func TestRun_LifecycleEvents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		frames []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		frames = append(frames, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	svc, f := newService(t, testutil.FakeWorker{
		Stdout: []string{`{"type":"PROGRESS_STAGE","stage":"Rendering"}`, sampleResult},
	}, Config{SigningKey: "callback-secret"}, false)

	req := validRequest("job1", "--dry-run")
	req.CallbackEndpoint = srv.URL
	if out := svc.Run(context.Background(), req); !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Err)
	}

	if got := f.events.types(); !slices.Equal(got, []string{EventTypeStart, EventTypeExit}) {
		t.Errorf("lifecycle events = %v", got)
	}
	for _, e := range f.events.events {
		if e.Destination != srv.URL || e.SigningKey != "callback-secret" || e.Payload.Subject != "job1" {
			t.Errorf("unexpected lifecycle event %+v", e)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 1 || !strings.Contains(frames[0], `"stage":"Rendering"`) {
		t.Errorf("expected one progress post, got %v", frames)
	}
}

func TestRun_ClosesProgressRelayOnEveryPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fake testutil.FakeWorker
		ok   bool
	}{
		{"success", testutil.FakeWorker{Stdout: []string{`{"type":"PROGRESS","message":"hi"}`, sampleResult}}, true},
		{"worker failure", testutil.FakeWorker{Stdout: []string{`{"type":"PROGRESS","message":"hi"}`}, ExitCode: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			closed := make(chan struct{})
			upgrader := websocket.Upgrader{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer conn.Close()
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						close(closed)
						return
					}
				}
			}))
			defer srv.Close()

			svc, _ := newService(t, tt.fake, Config{}, false)
			req := validRequest("job1", "--dry-run")
			req.CallbackEndpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
			if out := svc.Run(context.Background(), req); out.Succeeded() != tt.ok {
				t.Fatalf("Succeeded() = %v, want %v (%v)", out.Succeeded(), tt.ok, out.Err)
			}

			select {
			case <-closed:
			case <-time.After(5 * time.Second):
				t.Fatal("progress connection was not closed")
			}
		})
	}
}

func TestBuildExitEvent(t *testing.T) {
	t.Parallel()
	out := &Outcome{Key: "job1", Status: StatusFailure, Stage: StageFailed, FailedAt: StageInvoking, Error: "streetwarp failed with exit code 1"}

	event := NewEventBuilder("job1").BuildExitEvent(out)
	if event.Type != EventTypeExit || event.Subject != "job1" || event.Source != eventSource {
		t.Errorf("unexpected envelope %+v", event)
	}
	data, ok := event.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %T", event.Data)
	}
	if data["error"] != out.Error || data["failedAt"] != StageInvoking {
		t.Errorf("unexpected data %v", data)
	}
	if _, ok := data["metadataResult"]; ok {
		t.Error("failed job must not carry metadata")
	}
}

func TestPreview_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"ab日本", 4, "ab..."},
		{"ab日本", 5, "ab日..."},
	}
	for _, tt := range tests {
		if got := preview(tt.in, tt.n); got != tt.want {
			t.Errorf("preview(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
