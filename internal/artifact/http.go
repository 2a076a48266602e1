package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
	"warpjobs/pkg/backoff"
)

// HTTPSink PUTs the file to <UploadURL>/<container>/<blob>.
type HTTPSink struct {
	base       *url.URL
	container  string
	client     *http.Client
	maxRetries int
}

// NewHTTPSink creates a sink for a presigned or otherwise open PUT endpoint.
func NewHTTPSink(cfg Config) (*HTTPSink, error) {
	base, err := url.Parse(cfg.UploadURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("http provider requires a valid ARTIFACT_UPLOAD_URL, got %q", cfg.UploadURL)
	}
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	retries := cfg.UploadRetries
	if retries < 0 {
		retries = 3
	}
	return &HTTPSink{
		base:       base,
		container:  cfg.Container,
		client:     &http.Client{Timeout: timeout},
		maxRetries: retries,
	}, nil
}

func (s *HTTPSink) Provider() string { return ProviderHTTP }

func (s *HTTPSink) target(blobName string) string {
	return s.base.JoinPath(s.container, blobName).String()
}

// Upload sends the file with retry. 4xx responses are not retried.
func (s *HTTPSink) Upload(ctx context.Context, localPath, blobName string) (*Location, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("artifact not found: %w", err)
	}
	target := s.target(blobName)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 {
			slog.Debug("Retrying upload", "attempt", attempt, "blob", blobName)
			if err := backoff.Wait(ctx, attempt, backoff.Upload); err != nil {
				return nil, err
			}
		}

		lastErr = s.put(ctx, target, localPath, info.Size())
		if lastErr == nil {
			if attempt > 0 {
				slog.Info("Upload succeeded after retry", "attempt", attempt, "blob", blobName)
			}
			return &Location{URL: stripQuery(target)}, nil
		}

		if isClientError(lastErr) {
			return nil, lastErr
		}
		slog.Warn("Upload failed", "attempt", attempt, "error", lastErr, "blob", blobName)
	}

	return nil, fmt.Errorf("upload failed after %d retries: %w", s.maxRetries, lastErr)
}

func (s *HTTPSink) put(ctx context.Context, target, localPath string, size int64) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType(localPath))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("Uploaded file", "bytes", size)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &uploadError{statusCode: resp.StatusCode, message: string(respBody)}
}

// Ready checks the upload host answers at all.
func (s *HTTPSink) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

type uploadError struct {
	statusCode int
	message    string
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.statusCode, e.message)
}

func isClientError(err error) bool {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.statusCode >= 400 && ue.statusCode < 500
	}
	return false
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
