package worker

import (
	"path/filepath"
	"time"
	"warpjobs/internal/config"
)

// DefaultBinary is the worker executable name looked up on PATH.
const DefaultBinary = "streetwarp"

// defaultOutputGrace bounds how long output is read after the worker exits.
const defaultOutputGrace = 2 * time.Second

// Config holds configuration for locating and launching the worker.
type Config struct {
	Binary        string   // Executable name or path
	BinDir        string   // Directory prepended to PATH (bundled binaries)
	Env           []string // Extra KEY=VALUE entries layered over the parent environment
	Image         string   // Container image; when set, the worker runs under Docker
	DataDir       string   // Host directory bind-mounted into the worker container
	OptimizerPath string   // Path passed with --optimizer when a job requests it

	// OutputGrace is how long output is still read after the worker exits
	// (default: 2s). Descendants holding the pipes longer are killed.
	OutputGrace time.Duration
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv(dataDir string) Config {
	binDir := config.GetEnv("WORKER_BIN_DIR", "")
	optimizer := config.GetEnv("WORKER_OPTIMIZER_PATH", "")
	if optimizer == "" && binDir != "" {
		optimizer = filepath.Join(binDir, "path_optimizer", "main.py")
	}

	return Config{
		Binary:        config.GetEnv("WORKER_BINARY", DefaultBinary),
		BinDir:        binDir,
		Env:           config.GetListEnv("WORKER_ENV", []string{"RUST_BACKTRACE=1"}),
		Image:         config.GetEnv("WORKER_IMAGE", ""),
		DataDir:       dataDir,
		OptimizerPath: optimizer,
		OutputGrace:   config.GetDurationEnv("WORKER_OUTPUT_GRACE", defaultOutputGrace),
	}
}
