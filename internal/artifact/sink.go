// Package artifact publishes rendered videos to durable storage.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
	"warpjobs/internal/config"
)

// Providers
const (
	ProviderAzure      = "azure"
	ProviderS3         = "s3"
	ProviderHTTP       = "http"
	ProviderFilesystem = "filesystem"
	ProviderNone       = "none"
)

// Location is where a published artifact can be fetched.
type Location struct {
	URL string `json:"url"`
}

// Sink uploads a local file under a blob name.
type Sink interface {
	// Upload stores the file at localPath as blobName, overwriting any
	// existing blob, and returns its public location.
	Upload(ctx context.Context, localPath, blobName string) (*Location, error)
	// Provider names the backing store.
	Provider() string
	// Ready checks the store is reachable.
	Ready(ctx context.Context) error
}

// Config selects and configures the sink.
type Config struct {
	Provider      string
	Container     string // container or bucket; also the directory under Dir
	PublicBaseURL string // replaces scheme and host of returned URLs
	UploadTimeout time.Duration
	UploadRetries int

	AzureConnectionString string
	AzureAccount          string
	AzureKey              string

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	UploadURL string // base URL for the http provider
	Dir       string // root for the filesystem provider
}

// LoadConfigFromEnv loads sink configuration from environment variables.
// Without ARTIFACT_PROVIDER, Azure is used when a connection string is present
// and publishing is disabled otherwise.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Provider:              config.GetEnv("ARTIFACT_PROVIDER", ""),
		Container:             config.GetEnv("ARTIFACT_CONTAINER", "output"),
		PublicBaseURL:         config.GetEnv("ARTIFACT_PUBLIC_BASE_URL", ""),
		UploadTimeout:         config.GetDurationEnv("UPLOAD_TIMEOUT", 5*time.Minute),
		UploadRetries:         config.GetIntEnv("UPLOAD_RETRIES", 3),
		AzureConnectionString: config.GetEnv("AZURE_STORAGE_CONNECTION_STRING", ""),
		AzureAccount:          config.GetEnv("AZURE_STORAGE_ACCOUNT", ""),
		S3Region:              config.GetEnv("S3_REGION", "us-east-1"),
		S3Endpoint:            config.GetEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:         config.GetEnv("S3_ACCESS_KEY_ID", ""),
		UploadURL:             config.GetEnv("ARTIFACT_UPLOAD_URL", ""),
		Dir:                   config.GetEnv("ARTIFACT_DIR", ""),
	}

	if path := config.GetEnv("AZURE_STORAGE_KEY_FILE", ""); path != "" {
		key, err := config.ReadSecretFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read azure storage key: %w", err)
		}
		cfg.AzureKey = key
	}
	if path := config.GetEnv("S3_SECRET_ACCESS_KEY_FILE", ""); path != "" {
		secret, err := config.ReadSecretFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read s3 secret: %w", err)
		}
		cfg.S3SecretAccessKey = secret
	}

	if cfg.Provider == "" {
		cfg.Provider = ProviderNone
		if cfg.AzureConnectionString != "" {
			cfg.Provider = ProviderAzure
		}
	}
	return cfg, nil
}

// New creates the sink named by cfg.Provider. It returns nil for ProviderNone.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Container == "" {
		cfg.Container = "output"
	}

	var (
		sink Sink
		err  error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderNone, "":
		return nil, nil
	case ProviderAzure:
		sink, err = NewAzureSink(cfg)
	case ProviderS3:
		sink, err = NewS3Sink(ctx, cfg)
	case ProviderHTTP:
		sink, err = NewHTTPSink(cfg)
	case ProviderFilesystem:
		sink, err = NewFilesystemSink(cfg)
	default:
		return nil, fmt.Errorf("unknown artifact provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.PublicBaseURL != "" {
		sink, err = withPublicBase(sink, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
	}
	return sink, nil
}

// publicSink rewrites returned URLs onto a public origin such as a CDN.
type publicSink struct {
	Sink
	base *url.URL
}

func withPublicBase(sink Sink, base string) (Sink, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base URL %q", base)
	}
	return &publicSink{Sink: sink, base: u}, nil
}

func (s *publicSink) Upload(ctx context.Context, localPath, blobName string) (*Location, error) {
	loc, err := s.Sink.Upload(ctx, localPath, blobName)
	if err != nil {
		return nil, err
	}
	return &Location{URL: RewriteURL(loc.URL, s.base)}, nil
}

// RewriteURL moves raw onto base's origin, prefixing base's path.
// URLs that cannot be parsed are returned unchanged.
func RewriteURL(raw string, base *url.URL) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "file" {
		return raw
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	u.User = nil
	if p := strings.TrimSuffix(base.Path, "/"); p != "" {
		u.Path = path.Join(p, u.Path)
		u.RawPath = ""
	}
	return u.String()
}

// videoTypes covers extensions missing from the platform MIME table.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

func contentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// withUploadTimeout bounds ctx by d. A zero d leaves ctx unbounded.
func withUploadTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
