package config

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "WORKERS", "DISPATCH_INTERVAL", "EMAIL_PROVIDER", "BREVO_API_KEY", "GOOGLE_CREDENTIALS_JSON", "TOKEN_HASH_KEY", "TOKEN_BLOCK_KEY", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 64 {
		t.Errorf("Workers, QueueSize = %d, %d, want 4, 64", cfg.Workers, cfg.QueueSize)
	}
	if cfg.DispatchInterval != time.Minute {
		t.Errorf("DispatchInterval = %v, want 1m", cfg.DispatchInterval)
	}
	if cfg.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v, want 720h", cfg.Retention)
	}
	if !cfg.ChromeHeadless {
		t.Error("ChromeHeadless should default to true")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
	if cfg.TokenHashKey != nil {
		t.Error("TokenHashKey should be empty when unset")
	}
	if got := cfg.Mailer(); got != "mock" {
		t.Errorf("Mailer() = %q, want mock", got)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	keyFile := filepath.Join(t.TempDir(), "hash.key")
	if err := os.WriteFile(keyFile, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WORKERS", "8")
	t.Setenv("BACKOFF_CEILING", "30m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TOKEN_HASH_KEY", keyFile)
	t.Setenv("TOKEN_BLOCK_KEY", base64.StdEncoding.EncodeToString(key[:16]))
	t.Setenv("GOOGLE_CREDENTIALS_JSON", "{}")
	t.Setenv("EMAIL_PROVIDER", "")
	t.Setenv("BREVO_API_KEY", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.BackoffCeiling != 30*time.Minute {
		t.Errorf("BackoffCeiling = %v, want 30m", cfg.BackoffCeiling)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if len(cfg.TokenHashKey) != 32 || len(cfg.TokenBlockKey) != 16 {
		t.Errorf("key lengths = %d, %d, want 32, 16", len(cfg.TokenHashKey), len(cfg.TokenBlockKey))
	}
	if got := cfg.Mailer(); got != "gmail" {
		t.Errorf("Mailer() = %q, want gmail", got)
	}
}

func TestFromEnvRejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero workers", "WORKERS", "0"},
		{"non-numeric queue", "QUEUE_SIZE", "many"},
		{"bad duration", "DISPATCH_INTERVAL", "soon"},
		{"negative duration", "BACKOFF_CEILING", "-1h"},
		{"bad bool", "CHROME_HEADLESS", "maybe"},
		{"unknown provider", "EMAIL_PROVIDER", "carrier-pigeon"},
		{"bad level", "LOG_LEVEL", "loud"},
		{"bad key", "TOKEN_HASH_KEY", "not base64!"},
		{"short block key", "TOKEN_BLOCK_KEY", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("FromEnv() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestBrevoRequiresKey(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "brevo")
	t.Setenv("BREVO_API_KEY", "")
	if _, err := FromEnv(); err == nil {
		t.Error("brevo without an API key should fail")
	}
}
