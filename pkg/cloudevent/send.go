package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body as "sha256=<hex>".
const SignatureHeader = "X-Signature-256"

const (
	contentType    = "application/cloudevents+json"
	userAgent      = "warpjobs-callback/1"
	maxErrorDetail = 256
)

// Sender posts structured-mode CloudEvents. It is safe for concurrent use.
type Sender struct {
	client *http.Client
}

// NewSender returns a sender whose requests are bounded by timeout.
func NewSender(timeout time.Duration) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	return &Sender{client: &http.Client{Timeout: timeout, Transport: transport}}
}

// SendOptions controls how a CloudEvent is sent.
type SendOptions struct {
	SigningKey string // HMAC key, empty sends unsigned
}

// Send POSTs event to url. Any 2xx status is success; other statuses return *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	setHeaders(req.Header, event)
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, Signature(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
	return &HTTPError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
}

// setHeaders mirrors the event attributes as ce- headers so listeners can
// route without parsing the body.
func setHeaders(h http.Header, event *CloudEvent) {
	h.Set("Content-Type", contentType)
	h.Set("User-Agent", userAgent)
	for name, value := range map[string]string{
		"Ce-Specversion": event.SpecVersion,
		"Ce-Type":        event.Type,
		"Ce-Source":      event.Source,
		"Ce-Subject":     event.Subject,
		"Ce-Id":          event.ID,
	} {
		if value != "" {
			h.Set(name, value)
		}
	}
	if !event.Time.IsZero() {
		h.Set("Ce-Time", event.Time.Format(time.RFC3339Nano))
	}
}

// Signature returns the SignatureHeader value for payload.
func Signature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under key.
func Verify(payload []byte, key, signature string) bool {
	return hmac.Equal([]byte(Signature(payload, key)), []byte(signature))
}

// HTTPError is a non-2xx answer from a listener.
type HTTPError struct {
	StatusCode int
	Detail     string // start of the response body
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

// IsClientError reports a 4xx answer that resending will not fix. 408 and 429
// are excluded since the listener may accept the same event later.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
