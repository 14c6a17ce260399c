// Package config reads runtime settings from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting.
type Config struct {
	Port        string
	BaseURL     string
	LogLevel    slog.Level
	Bucket      string // GCS bucket; wins over LocalStorage when both are set
	LocalPath   string
	DatabaseURL string // PostgreSQL; wins over object storage when set
	ResortsFile string

	Workers          int
	QueueSize        int
	MaxSessions      int
	AcquireTimeout   time.Duration
	NavigateTimeout  time.Duration
	ElementTimeout   time.Duration
	FailureThreshold int
	BackoffThreshold int
	BackoffCeiling   time.Duration
	DispatchInterval time.Duration
	Retention        time.Duration

	ChromeHeadless bool
	ChromePath     string

	EmailProvider   string // gmail, brevo or mock; empty picks from credentials
	MailFrom        string
	MailFromName    string
	BrevoAPIKey     string
	GoogleCredsJSON string

	TokenHashKey  []byte
	TokenBlockKey []byte

	GluetunURL string
}

// FromEnv reads the configuration. Unset variables take local development
// defaults; malformed values are errors.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:            getenv("PORT", "8080"),
		BaseURL:         getenv("BASE_URL", "http://localhost:8080"),
		Bucket:          os.Getenv("STORAGE_BUCKET"),
		LocalPath:       os.Getenv("LOCAL_STORAGE"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ResortsFile:     os.Getenv("RESORTS_FILE"),
		ChromePath:      os.Getenv("CHROME_PATH"),
		EmailProvider:   strings.ToLower(os.Getenv("EMAIL_PROVIDER")),
		MailFrom:        getenv("MAIL_FROM", "parkwatch@localhost"),
		MailFromName:    getenv("MAIL_FROM_NAME", "Parkwatch"),
		BrevoAPIKey:     os.Getenv("BREVO_API_KEY"),
		GoogleCredsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		GluetunURL:      os.Getenv("GLUETUN_URL"),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}

	ints := []struct {
		dst *int
		key string
		def int
		min int
	}{
		{&cfg.Workers, "WORKERS", 4, 1},
		{&cfg.QueueSize, "QUEUE_SIZE", 64, 1},
		{&cfg.MaxSessions, "MAX_SESSIONS", 4, 1},
		{&cfg.FailureThreshold, "FAILURE_THRESHOLD", 5, 0},
		{&cfg.BackoffThreshold, "BACKOFF_THRESHOLD", 3, 1},
	}
	for _, v := range ints {
		n, err := strconv.Atoi(getenv(v.key, strconv.Itoa(v.def)))
		if err != nil || n < v.min {
			return Config{}, fmt.Errorf("invalid %s: must be an integer >= %d", v.key, v.min)
		}
		*v.dst = n
	}

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.AcquireTimeout, "SESSION_ACQUIRE_TIMEOUT", "30s"},
		{&cfg.NavigateTimeout, "NAVIGATION_TIMEOUT", "45s"},
		{&cfg.ElementTimeout, "ELEMENT_TIMEOUT", "30s"},
		{&cfg.BackoffCeiling, "BACKOFF_CEILING", "2h"},
		{&cfg.DispatchInterval, "DISPATCH_INTERVAL", "1m"},
		{&cfg.Retention, "RESOLVED_RETENTION", "720h"},
	}
	for _, v := range durations {
		d, err := time.ParseDuration(getenv(v.key, v.def))
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be a positive duration", v.key)
		}
		*v.dst = d
	}

	if cfg.ChromeHeadless, err = strconv.ParseBool(getenv("CHROME_HEADLESS", "true")); err != nil {
		return Config{}, fmt.Errorf("invalid CHROME_HEADLESS: %w", err)
	}

	switch cfg.EmailProvider {
	case "", "gmail", "brevo", "mock":
	default:
		return Config{}, fmt.Errorf("invalid EMAIL_PROVIDER %q: want gmail, brevo or mock", cfg.EmailProvider)
	}
	if cfg.EmailProvider == "brevo" && cfg.BrevoAPIKey == "" {
		return Config{}, fmt.Errorf("EMAIL_PROVIDER=brevo requires BREVO_API_KEY")
	}

	if cfg.TokenHashKey, err = readKey("TOKEN_HASH_KEY"); err != nil {
		return Config{}, err
	}
	if cfg.TokenBlockKey, err = readKey("TOKEN_BLOCK_KEY"); err != nil {
		return Config{}, err
	}
	switch len(cfg.TokenBlockKey) {
	case 0, 16, 24, 32:
	default:
		return Config{}, fmt.Errorf("TOKEN_BLOCK_KEY must decode to 16, 24 or 32 bytes")
	}

	return cfg, nil
}

// Mailer returns the email provider to use: the configured one, or Gmail
// when credentials are present, or mock.
func (c Config) Mailer() string {
	switch {
	case c.EmailProvider != "":
		return c.EmailProvider
	case c.BrevoAPIKey != "":
		return "brevo"
	case c.GoogleCredsJSON != "":
		return "gmail"
	default:
		return "mock"
	}
}

// readKey decodes a base64 key from the variable, or from the file it names.
func readKey(key string) ([]byte, error) {
	s := os.Getenv(key)
	if s == "" {
		return nil, nil
	}
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return dec, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return l, nil
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
