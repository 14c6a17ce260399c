// Package daemon runs the monitor on a schedule and owns graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"parkwatch/pkg/parking"
	"parkwatch/poll"
)

// Monitor is the scheduling core.
type Monitor interface {
	Start(ctx context.Context)
	Dispatch(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Status() poll.Status
}

// Store is what housekeeping needs.
type Store interface {
	ListJobs(ctx context.Context) ([]*parking.MonitoringJob, error)
	DeleteJob(ctx context.Context, id string) error
}

// Registry reloads resort profiles.
type Registry interface {
	Reload(path string) error
	Errors() []error
}

// Closer releases a resource on shutdown, e.g. the browser pool.
type Closer interface {
	Close(ctx context.Context) error
}

// Config holds the schedule.
type Config struct {
	ResortsFile      string        // reloaded periodically when set
	DispatchInterval time.Duration // how often a scheduling pass runs
	ReloadInterval   time.Duration
	PurgeSchedule    string        // cron expression for housekeeping
	Retention        time.Duration // how long RESOLVED and DELETED jobs are kept
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval: time.Minute,
		ReloadInterval:   5 * time.Minute,
		PurgeSchedule:    "@daily",
		Retention:        30 * 24 * time.Hour,
	}
}

// Daemon ties the monitor, cron schedule and shutdown order together.
type Daemon struct {
	cron         *cron.Cron
	monitor      Monitor
	store        Store
	registry     Registry
	closers      []Closer
	logger       *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	startedAt    time.Time
	lastDispatch time.Time
	lastErr      error
	cfg          Config
	mu           sync.Mutex
	running      bool
}

// New creates a daemon. Closers are closed in order after the monitor stops.
func New(monitor Monitor, store Store, registry Registry, cfg Config, logger *slog.Logger, closers ...Closer) *Daemon {
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Daemon{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		monitor:  monitor,
		store:    store,
		registry: registry,
		closers:  closers,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the monitor workers and the schedule, and runs a first
// dispatch pass immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.monitor.Start(d.ctx)

	if _, err := d.cron.AddFunc(every(d.cfg.DispatchInterval), d.dispatch); err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	if d.cfg.ResortsFile != "" && d.registry != nil {
		if _, err := d.cron.AddFunc(every(d.cfg.ReloadInterval), d.reload); err != nil {
			return fmt.Errorf("schedule profile reload: %w", err)
		}
	}
	if d.cfg.PurgeSchedule != "" && d.cfg.Retention > 0 {
		if _, err := d.cron.AddFunc(d.cfg.PurgeSchedule, d.purge); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
	}

	d.cron.Start()
	d.running = true
	d.startedAt = time.Now()
	d.logger.Info("Daemon started",
		"dispatch_interval", d.cfg.DispatchInterval.String(),
		"retention", d.cfg.Retention.String())

	go d.dispatch()
	return nil
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

func (d *Daemon) dispatch() {
	n, err := d.monitor.Dispatch(d.ctx)

	d.mu.Lock()
	d.lastDispatch = time.Now()
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		if !errors.Is(err, poll.ErrStopped) {
			d.logger.Error("Dispatch pass failed", "error", err)
		}
		return
	}
	d.logger.Debug("Dispatch pass complete", "queued", n)
}

func (d *Daemon) reload() {
	if err := d.registry.Reload(d.cfg.ResortsFile); err != nil {
		d.logger.Error("Resort profile reload failed, keeping previous profiles", "path", d.cfg.ResortsFile, "error", err)
		return
	}
	for _, err := range d.registry.Errors() {
		d.logger.Warn("Resort disabled by configuration error", "error", err)
	}
}

// purge deletes RESOLVED and DELETED jobs older than the retention period.
func (d *Daemon) purge() {
	jobs, err := d.store.ListJobs(d.ctx)
	if err != nil {
		d.logger.Error("Purge failed to list jobs", "error", err)
		return
	}

	cutoff := time.Now().Add(-d.cfg.Retention)
	purged := 0
	for _, job := range jobs {
		if job.Status != parking.StatusResolved && job.Status != parking.StatusDeleted {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := d.store.DeleteJob(d.ctx, job.ID); err != nil {
			d.logger.Warn("Failed to purge job", "job_id", job.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		d.logger.Info("Purged finished jobs", "count", purged, "retention", d.cfg.Retention.String())
	}
}

// Stop halts the schedule, waits for running cron jobs and in-flight probes,
// then closes resources. ctx bounds the whole sequence.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("Stopping daemon")
	var errs []error

	select {
	case <-d.cron.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for scheduled jobs: %w", ctx.Err()))
	}

	if err := d.monitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.cancel()

	for _, c := range d.closers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	d.logger.Info("Daemon stopped")
	return errors.Join(errs...)
}

// Status is the daemon view served on /status.
type Status struct {
	StartedAt         time.Time   `json:"started_at,omitzero"`
	LastDispatch      time.Time   `json:"last_dispatch,omitzero"`
	LastDispatchError string      `json:"last_dispatch_error,omitempty"`
	Uptime            string      `json:"uptime,omitempty"`
	ResortErrors      []string    `json:"resort_errors,omitempty"`
	Monitor           poll.Status `json:"monitor"`
	Running           bool        `json:"running"`
}

// Status returns a snapshot for the status endpoint.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	s := Status{
		StartedAt:    d.startedAt,
		LastDispatch: d.lastDispatch,
		Running:      d.running,
	}
	if d.lastErr != nil {
		s.LastDispatchError = d.lastErr.Error()
	}
	if d.running {
		s.Uptime = time.Since(d.startedAt).Round(time.Second).String()
	}
	d.mu.Unlock()

	s.Monitor = d.monitor.Status()
	if d.registry != nil {
		for _, err := range d.registry.Errors() {
			s.ResortErrors = append(s.ResortErrors, err.Error())
		}
	}
	return s
}
