package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// fakeWorkerEnv carries the JSON-encoded FakeWorker script to the child process.
const fakeWorkerEnv = "WARPJOBS_FAKE_WORKER"

// FakeWorker scripts a stand-in for the worker binary. Tests re-execute their
// own binary with the script in the environment; TestMain must call
// RunFakeWorkerIfRequested before m.Run.
type FakeWorker struct {
	Stdout      []string      `json:"stdout,omitempty"`
	Stderr      []string      `json:"stderr,omitempty"`
	ExitCode    int           `json:"exitCode"`
	Sleep       time.Duration `json:"sleep,omitempty"`       // delay after writing output, before exiting
	ArgsFile    string        `json:"argsFile,omitempty"`    // where to record argv and the input file contents
	WriteOutput string        `json:"writeOutput,omitempty"` // contents written to the --output path
	Linger      time.Duration `json:"linger,omitempty"`      // leave a child holding stdout and stderr for this long
	CloseStdout bool          `json:"closeStdout,omitempty"` // close stdout after writing it
}

// Record is what the fake worker writes to ArgsFile.
type Record struct {
	Args  []string          `json:"args"`
	Env   map[string]string `json:"env"`
	Input string            `json:"input"`
}

// Env returns the environment entries that turn the test binary into this fake worker.
func (f FakeWorker) Env() []string {
	data, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return []string{fakeWorkerEnv + "=" + string(data)}
}

// FakeWorkerBinary returns the path of the running test binary.
func FakeWorkerBinary() string {
	path, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return path
}

// ReadRecord loads the record written by a fake worker.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RunFakeWorkerIfRequested acts as the fake worker and exits when the script
// variable is present. Otherwise it returns immediately.
func RunFakeWorkerIfRequested() {
	script := os.Getenv(fakeWorkerEnv)
	if script == "" {
		return
	}

	var f FakeWorker
	if err := json.Unmarshal([]byte(script), &f); err != nil {
		fmt.Fprintf(os.Stderr, "bad fake worker script: %v\n", err)
		os.Exit(97)
	}
	os.Exit(f.run(os.Args[1:]))
}

func (f FakeWorker) run(args []string) int {
	if f.ArgsFile != "" {
		rec := Record{Args: args, Env: map[string]string{"RUST_BACKTRACE": os.Getenv("RUST_BACKTRACE")}}
		// The input path is the last positional argument
		if len(args) > 0 {
			if data, err := os.ReadFile(args[len(args)-1]); err == nil {
				rec.Input = string(data)
			}
		}
		data, _ := json.Marshal(rec)
		if err := os.WriteFile(f.ArgsFile, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "record args: %v\n", err)
			return 98
		}
	}

	if f.WriteOutput != "" {
		for i := 0; i+1 < len(args); i++ {
			if args[i] == "--output" {
				if err := os.WriteFile(args[i+1], []byte(f.WriteOutput), 0o644); err != nil {
					fmt.Fprintf(os.Stderr, "write output: %v\n", err)
					return 99
				}
			}
		}
	}

	for _, line := range f.Stdout {
		fmt.Fprintln(os.Stdout, line)
	}
	for _, line := range f.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}
	if f.Linger > 0 {
		child := exec.Command(FakeWorkerBinary())
		child.Env = append(os.Environ(), FakeWorker{Sleep: f.Linger}.Env()...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start child: %v\n", err)
			return 96
		}
	}
	if f.CloseStdout {
		_ = os.Stdout.Close()
	}
	if f.Sleep > 0 {
		time.Sleep(f.Sleep)
	}
	return f.ExitCode
}
