package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemSink copies artifacts into a local directory, for development
// and for deployments that serve the directory directly.
type FilesystemSink struct {
	dir string // <Dir>/<container>
}

// NewFilesystemSink creates a sink rooted at cfg.Dir.
func NewFilesystemSink(cfg Config) (*FilesystemSink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filesystem provider requires ARTIFACT_DIR")
	}
	dir, err := filepath.Abs(filepath.Join(cfg.Dir, cfg.Container))
	if err != nil {
		return nil, fmt.Errorf("invalid artifact dir: %w", err)
	}
	return &FilesystemSink{dir: dir}, nil
}

func (s *FilesystemSink) Provider() string { return ProviderFilesystem }

// Upload copies the file, writing through a temp file so readers never see
// a partial artifact.
func (s *FilesystemSink) Upload(ctx context.Context, localPath, blobName string) (*Location, error) {
	dest := filepath.Join(s.dir, filepath.FromSlash(blobName))
	if rel, err := filepath.Rel(s.dir, dest); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("invalid blob name %q", blobName)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("failed to publish artifact: %w", err)
	}

	return &Location{URL: (&url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}).String()}, nil
}

// Ready checks the directory can be created.
func (s *FilesystemSink) Ready(ctx context.Context) error {
	return os.MkdirAll(s.dir, 0o755)
}
