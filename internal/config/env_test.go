package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	result := GetEnv("TEST_NONEXISTENT_VAR", "default")
	if result != "default" {
		t.Errorf("Expected 'default', got %q", result)
	}

	t.Setenv("TEST_GET_ENV", "custom")

	result = GetEnv("TEST_GET_ENV", "default")
	if result != "custom" {
		t.Errorf("Expected 'custom', got %q", result)
	}
}

func TestGetIntEnv(t *testing.T) {
	result := GetIntEnv("TEST_NONEXISTENT_INT", 42)
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	t.Setenv("TEST_INT_ENV", "123")
	result = GetIntEnv("TEST_INT_ENV", 42)
	if result != 123 {
		t.Errorf("Expected 123, got %d", result)
	}

	// Invalid values fall back to the default
	t.Setenv("TEST_INVALID_INT", "not-a-number")
	result = GetIntEnv("TEST_INVALID_INT", 42)
	if result != 42 {
		t.Errorf("Expected 42 for invalid int, got %d", result)
	}
}

func TestGetBoolEnv(t *testing.T) {
	if !GetBoolEnv("TEST_NONEXISTENT_BOOL", true) {
		t.Error("Expected default true")
	}

	t.Setenv("TEST_BOOL_ENV", "false")
	if GetBoolEnv("TEST_BOOL_ENV", true) {
		t.Error("Expected false")
	}

	t.Setenv("TEST_INVALID_BOOL", "maybe")
	if !GetBoolEnv("TEST_INVALID_BOOL", true) {
		t.Error("Expected default true for invalid bool")
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	result := GetDurationEnv("TEST_NONEXISTENT_DURATION", defaultDuration)
	if result != defaultDuration {
		t.Errorf("Expected %v, got %v", defaultDuration, result)
	}

	t.Setenv("TEST_DURATION_ENV", "30s")
	result = GetDurationEnv("TEST_DURATION_ENV", defaultDuration)
	if result != 30*time.Second {
		t.Errorf("Expected 30s, got %v", result)
	}

	t.Setenv("TEST_DURATION_MS", "100ms")
	result = GetDurationEnv("TEST_DURATION_MS", defaultDuration)
	if result != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", result)
	}

	t.Setenv("TEST_INVALID_DURATION", "not-a-duration")
	result = GetDurationEnv("TEST_INVALID_DURATION", defaultDuration)
	if result != defaultDuration {
		t.Errorf("Expected %v for invalid duration, got %v", defaultDuration, result)
	}
}

func TestGetListEnv(t *testing.T) {
	def := []string{"RUST_BACKTRACE=1"}
	if got := GetListEnv("TEST_NONEXISTENT_LIST", def); !reflect.DeepEqual(got, def) {
		t.Errorf("Expected default, got %v", got)
	}

	t.Setenv("TEST_LIST_ENV", "A=1, B=2,,C=3 ")
	want := []string{"A=1", "B=2", "C=3"}
	if got := GetListEnv("TEST_LIST_ENV", def); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestGetSecretFile(t *testing.T) {
	result := GetSecretFile("")
	if result != "" {
		t.Errorf("Expected empty string for empty path, got %q", result)
	}

	result = GetSecretFile("/nonexistent/path/to/secret")
	if result != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", result)
	}

	secretPath := filepath.Join(t.TempDir(), "secret")
	secretValue := "my-secret-value"
	if err := os.WriteFile(secretPath, []byte(secretValue+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}

	result = GetSecretFile(secretPath)
	if result != secretValue {
		t.Errorf("Expected %q, got %q", secretValue, result)
	}
}

func TestReadSecretFile(t *testing.T) {
	if secret, err := ReadSecretFile(""); err != nil || secret != "" {
		t.Errorf("Expected empty secret without error, got %q, %v", secret, err)
	}
	if _, err := ReadSecretFile("/nonexistent/path/to/secret"); err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestLoadServiceConfig_Defaults(t *testing.T) {
	t.Setenv("JOB_TIMEOUT", "")
	t.Setenv("DATA_DIR", "")

	cfg := LoadServiceConfig()
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %q", cfg.Port)
	}
	if cfg.JobTimeout != 0 {
		t.Errorf("Expected no job timeout by default, got %v", cfg.JobTimeout)
	}
	if cfg.DataDir != filepath.Join(os.TempDir(), "data") {
		t.Errorf("Unexpected data dir %q", cfg.DataDir)
	}
}

func TestLoadServiceConfig_SecretsFromFiles(t *testing.T) {
	dir := t.TempDir()
	apiKeyPath := filepath.Join(dir, "api-key")
	signingPath := filepath.Join(dir, "signing-key")
	if err := os.WriteFile(apiKeyPath, []byte("api-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(signingPath, []byte("  hmac-secret  "), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_KEY_FILE", apiKeyPath)
	t.Setenv("CALLBACK_SIGNING_KEY_FILE", signingPath)
	t.Setenv("JOB_TIMEOUT", "90s")

	cfg := LoadServiceConfig()
	if cfg.APIKey != "api-secret" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.CallbackSigningKey != "hmac-secret" {
		t.Errorf("CallbackSigningKey = %q", cfg.CallbackSigningKey)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %v", cfg.JobTimeout)
	}
}
