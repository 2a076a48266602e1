// Package workspace lays out the per-job input file and output directory.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"warpjobs/internal/apperrors"
)

// OutputExt is the extension of the rendered video.
const OutputExt = ".mp4"

// Output describes where the worker writes its artifact.
type Output struct {
	Dir  string // <dataDir>/output/<key>
	Path string // <dataDir>/output/<key>/<key>.mp4
}

// Preparer creates job files under a data directory. It keeps no state between
// jobs and never removes what it created.
type Preparer struct {
	dataDir string
}

// NewPreparer creates a preparer rooted at dataDir.
func NewPreparer(dataDir string) *Preparer {
	return &Preparer{dataDir: dataDir}
}

// DataDir returns the root directory.
func (p *Preparer) DataDir() string {
	return p.dataDir
}

// InputPath returns <dataDir>/input/<key>.<ext>.
func (p *Preparer) InputPath(key, ext string) string {
	return filepath.Join(p.dataDir, "input", key+"."+strings.TrimPrefix(ext, "."))
}

// OutputFor returns the output locations for key without touching the disk.
func (p *Preparer) OutputFor(key string) Output {
	dir := filepath.Join(p.dataDir, "output", key)
	return Output{Dir: dir, Path: filepath.Join(dir, key+OutputExt)}
}

// PrepareInput writes payload verbatim to the job's input file and returns its path.
// An existing file for the same key is overwritten.
func (p *Preparer) PrepareInput(key, payload, ext string) (string, error) {
	if err := checkName(key); err != nil {
		return "", apperrors.Setup("prepare input", err)
	}
	dest := p.InputPath(key, ext)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", apperrors.Setup("prepare input", fmt.Errorf("failed to create directory: %w", err))
	}
	if err := os.WriteFile(dest, []byte(payload), 0o644); err != nil {
		return "", apperrors.Setup("prepare input", fmt.Errorf("failed to write file: %w", err))
	}

	slog.Debug("Wrote input file", "bytes", len(payload), "path", dest)
	return dest, nil
}

// PrepareOutput creates the job's output directory.
func (p *Preparer) PrepareOutput(key string) (Output, error) {
	if err := checkName(key); err != nil {
		return Output{}, apperrors.Setup("prepare output", err)
	}
	out := p.OutputFor(key)

	if err := os.MkdirAll(out.Dir, 0o755); err != nil {
		return Output{}, apperrors.Setup("prepare output", fmt.Errorf("failed to create directory: %w", err))
	}

	slog.Debug("Created output directory", "path", out.Dir)
	return out, nil
}

// checkName rejects keys that would escape the data directory.
func checkName(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
