package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"parkwatch/browser"
	"parkwatch/config"
	"parkwatch/email"
	"parkwatch/pkg/parking"
	"parkwatch/postgres"
	"parkwatch/probe"
	"parkwatch/storage"
)

// jobStore is everything the daemon, server and CLI need from persistence.
// Both storage.Store and postgres.Store satisfy it.
type jobStore interface {
	GetJob(ctx context.Context, id string) (*parking.MonitoringJob, error)
	SaveJob(ctx context.Context, job *parking.MonitoringJob) error
	ListJobs(ctx context.Context) ([]*parking.MonitoringJob, error)
	ListActiveJobs(ctx context.Context) ([]*parking.MonitoringJob, error)
	SetJobStatus(ctx context.Context, id string, status parking.JobStatus) error
	DeleteJob(ctx context.Context, id string) error
	GetDateState(ctx context.Context, jobID string, d parking.Date) (parking.DateState, error)
	ListDateStates(ctx context.Context, jobID string) ([]parking.DateState, error)
	CompareAndSetDateState(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error
	MarkNotified(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState, event parking.NotificationEvent) error
	MarkDelivered(ctx context.Context, jobID string, d parking.Date, eventID string, at time.Time) error
	RecordCheck(ctx context.Context, log parking.CheckLog) error
}

func newLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openStore picks PostgreSQL, then GCS, then a local directory.
// The returned func releases the store.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (jobStore, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Using PostgreSQL job store")
		return db, db.Close, nil
	}

	if cfg.Bucket != "" && cfg.LocalPath == "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage job store", "bucket", cfg.Bucket)
		return storage.New(client, cfg.Bucket, "", logger), func() { _ = client.Close() }, nil
	}

	path := cfg.LocalPath
	if path == "" {
		path = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return storage.New(nil, "", path, logger), func() {}, nil
}

// newMailer builds the configured email provider. Gmail falls back to mock
// when no credentials can be found, as in local development.
func newMailer(ctx context.Context, cfg config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Mailer() {
	case "brevo":
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			if cfg.EmailProvider == "gmail" {
				return nil, fmt.Errorf("initialize gmail: %w", err)
			}
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			return email.NewMockProvider(logger), nil
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, cfg.MailFrom, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On Cloud Run the service account's default credentials need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// newProber starts a browser pool of the given size and a prober on top of it.
// The returned func closes both.
func newProber(cfg config.Config, size int, logger *slog.Logger) (*probe.Prober, *browser.Pool, func(context.Context) error) {
	launcher := browser.NewChromeLauncher(browser.ChromeConfig{
		ExecPath: cfg.ChromePath,
		Headless: cfg.ChromeHeadless,
	}, logger)
	pool := browser.NewPool(launcher, size, cfg.AcquireTimeout, logger)
	prober := probe.New(pool, probe.Config{
		AcquireTimeout:    cfg.AcquireTimeout,
		NavigationTimeout: cfg.NavigateTimeout,
		ElementTimeout:    cfg.ElementTimeout,
	}, logger)

	closeAll := func(ctx context.Context) error {
		err := pool.Close(ctx)
		launcher.Close()
		return err
	}
	return prober, pool, closeAll
}

// closerFunc adapts a func to daemon.Closer.
type closerFunc func(context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }
