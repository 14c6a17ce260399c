// Package poll schedules probes for every active (job, date) pair and drives
// each pair through the availability state machine.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"parkwatch/classifier"
	"parkwatch/jobstate"
	"parkwatch/pkg/parking"
	"parkwatch/resort"
)

// ErrStopped is returned by Dispatch once Stop has been called.
var ErrStopped = errors.New("monitor stopped")

// Store is the persistence the monitor needs.
type Store interface {
	ListActiveJobs(ctx context.Context) ([]*parking.MonitoringJob, error)
	SetJobStatus(ctx context.Context, id string, status parking.JobStatus) error
	GetDateState(ctx context.Context, jobID string, d parking.Date) (parking.DateState, error)
	CompareAndSetDateState(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error
	MarkNotified(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState, event parking.NotificationEvent) error
	MarkDelivered(ctx context.Context, jobID string, d parking.Date, eventID string, at time.Time) error
	RecordCheck(ctx context.Context, log parking.CheckLog) error
}

// Gateway delivers availability notices.
type Gateway interface {
	Send(ctx context.Context, n parking.Notice) error
}

// Prober reads one date cell.
type Prober interface {
	Probe(ctx context.Context, profile parking.ResortProfile, d parking.Date) parking.ProbeResult
}

// Profiles looks up resort profiles by key.
type Profiles interface {
	Get(name string) (parking.ResortProfile, bool)
}

// TokenIssuer mints resume tokens.
type TokenIssuer interface {
	Issue(jobID string, d parking.Date) (string, error)
}

// Publisher receives live updates. It must not block.
type Publisher interface {
	Publish(kind string, payload any)
}

// Rotator changes the egress IP when a resort starts blocking us.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Config tunes the scheduler.
type Config struct {
	Workers          int
	QueueSize        int
	FailureThreshold int           // INDETERMINATE readings tolerated before a pair drops to UNKNOWN
	BackoffThreshold int           // consecutive INDETERMINATE results before a resort backs off
	BackoffCeiling   time.Duration // longest backoff interval
	TaskTimeout      time.Duration // upper bound on one pair's probe and bookkeeping
	RotateTimeout    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        64,
		FailureThreshold: 5,
		BackoffThreshold: 3,
		BackoffCeiling:   2 * time.Hour,
		TaskTimeout:      3 * time.Minute,
		RotateTimeout:    2 * time.Minute,
	}
}

type pairKey struct {
	jobID string
	date  parking.Date
}

type task struct {
	job     *parking.MonitoringJob
	profile parking.ResortProfile
	date    parking.Date
}

func (t task) key() pairKey { return pairKey{jobID: t.job.ID, date: t.date} }

// resortHealth tracks consecutive failures and backoff for one resort.
type resortHealth struct {
	lastSuccess  time.Time
	backoffUntil time.Time
	failures     int
	rotating     bool
}

// Monitor owns scheduling state: resort eligibility, pair due times and the
// in-flight set. Only the Monitor writes them.
type Monitor struct {
	store     Store
	gateway   Gateway
	prober    Prober
	profiles  Profiles
	tokens    TokenIssuer
	publisher Publisher
	rotator   Rotator
	logger    *slog.Logger
	now       func() time.Time
	queue     chan task
	inFlight  map[pairKey]struct{}
	due       map[pairKey]time.Time
	resorts   map[string]*resortHealth
	lastPass  time.Time
	abort     context.CancelFunc // cancels in-flight tasks when Stop runs out of time
	cfg       Config
	workers   sync.WaitGroup
	mu        sync.Mutex
	started   bool
	stopped   bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithPublisher sends state changes and check results to p.
func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithRotator rotates the egress IP whenever a resort enters backoff.
func WithRotator(r Rotator) Option {
	return func(m *Monitor) { m.rotator = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. Workers are not started until Start.
func New(store Store, prober Prober, gateway Gateway, profiles Profiles, tokens TokenIssuer, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if cfg.RotateTimeout <= 0 {
		cfg.RotateTimeout = DefaultConfig().RotateTimeout
	}
	m := &Monitor{
		store:    store,
		prober:   prober,
		gateway:  gateway,
		profiles: profiles,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
		queue:    make(chan task, cfg.QueueSize),
		inFlight: make(map[pairKey]struct{}),
		due:      make(map[pairKey]time.Time),
		resorts:  make(map[string]*resortHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the worker pool. Workers run until Stop. Task contexts keep
// ctx's values but not its cancellation: cancelling ctx does not interrupt
// probes in flight, only a Stop whose deadline expires does.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.abort = cancel
	for i := range m.cfg.Workers {
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			m.worker(wctx, i)
		}()
	}
	m.logger.Info("Monitor started", "workers", m.cfg.Workers, "queue_size", m.cfg.QueueSize)
}

// Stop stops accepting work, lets queued and in-flight probes finish, and
// returns when the workers exit or ctx expires.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.queue)
	abort := m.abort
	m.mu.Unlock()
	if abort == nil {
		return nil
	}
	defer abort()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Monitor stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Monitor stop timed out, cancelling probes in flight", "in_flight", m.inFlightCount())
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (m *Monitor) worker(ctx context.Context, id int) {
	for t := range m.queue {
		m.process(ctx, t)
	}
	m.logger.Debug("Worker exiting", "worker", id)
}

// Dispatch runs one scheduling pass: it enqueues every due pair that is not
// already in flight and whose resort is not backing off. A full queue defers
// the remaining pairs to the next pass. It returns the number of pairs queued.
func (m *Monitor) Dispatch(ctx context.Context) (int, error) {
	jobs, err := m.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	now := m.now()
	var candidates []task
	for _, job := range jobs {
		profile, ok := m.profiles.Get(job.Resort)
		if !ok {
			m.logger.Warn("Skipping job for unknown or disabled resort", "job_id", job.ID, "resort", job.Resort)
			continue
		}

		today := parking.DateOf(now.In(profile.Location()))
		if job.Expired(today) {
			m.resolve(ctx, job)
			continue
		}
		for _, d := range job.Dates {
			if d.Before(today) {
				continue
			}
			candidates = append(candidates, task{job: job, profile: profile, date: d})
		}
	}

	m.seedDue(ctx, candidates)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0, ErrStopped
	}
	m.lastPass = now

	queued, deferred := 0, 0
	for _, t := range candidates {
		k := t.key()
		if _, busy := m.inFlight[k]; busy {
			continue
		}
		if h := m.resorts[t.profile.Name]; h != nil && now.Before(h.backoffUntil) {
			continue
		}
		if next, ok := m.due[k]; ok && now.Before(next) {
			continue
		}

		select {
		case m.queue <- t:
			m.inFlight[k] = struct{}{}
			queued++
		default:
			deferred++
		}
	}

	if queued > 0 || deferred > 0 {
		m.logger.Info("Dispatch pass",
			"jobs", len(jobs),
			"pairs", len(candidates),
			"queued", queued,
			"deferred", deferred)
	}
	return queued, nil
}

// seedDue sets the first due time of pairs this process has not scheduled yet
// from their persisted LastCheckedAt, so a restart keeps each resort's cadence.
// A pair whose state cannot be read is left due.
func (m *Monitor) seedDue(ctx context.Context, candidates []task) {
	m.mu.Lock()
	var unseeded []task
	for _, t := range candidates {
		if _, ok := m.due[t.key()]; !ok {
			unseeded = append(unseeded, t)
		}
	}
	m.mu.Unlock()

	for _, t := range unseeded {
		st, err := m.store.GetDateState(ctx, t.job.ID, t.date)
		if err != nil {
			m.logger.Warn("Failed to load last check time",
				"job_id", t.job.ID,
				"date", t.date.String(),
				"error", err)
			continue
		}
		var next time.Time
		if !st.LastCheckedAt.IsZero() {
			next = st.LastCheckedAt.Add(t.profile.Interval)
		}
		m.mu.Lock()
		if _, ok := m.due[t.key()]; !ok {
			m.due[t.key()] = next
		}
		m.mu.Unlock()
	}
}

func (m *Monitor) resolve(ctx context.Context, job *parking.MonitoringJob) {
	if err := m.store.SetJobStatus(ctx, job.ID, parking.StatusResolved); err != nil {
		m.logger.Warn("Failed to resolve expired job", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Info("Job resolved, all dates passed", "job_id", job.ID, "resort", job.Resort)
	m.publish("job", map[string]any{"job_id": job.ID, "status": parking.StatusResolved})

	m.mu.Lock()
	for k := range m.due {
		if k.jobID == job.ID {
			delete(m.due, k)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) process(parent context.Context, t task) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.TaskTimeout)
	defer cancel()

	result, err := m.check(ctx, t)
	if err != nil {
		m.logger.Warn("Pair check failed",
			"job_id", t.job.ID,
			"resort", t.profile.Name,
			"date", t.date.String(),
			"error", err)
	}
	m.finish(t, result)
}

// check performs the probe and bookkeeping for one pair. Errors are per-pair
// and never escape the worker.
func (m *Monitor) check(ctx context.Context, t task) (*parking.ProbeResult, error) {
	st, err := m.store.GetDateState(ctx, t.job.ID, t.date)
	if err != nil {
		return nil, fmt.Errorf("get date state: %w", err)
	}

	if st.Pending != nil && !st.Pending.Delivered() {
		if m.deliver(ctx, t, *st.Pending) {
			if st, err = m.store.GetDateState(ctx, t.job.ID, t.date); err != nil {
				return nil, fmt.Errorf("reload date state: %w", err)
			}
		}
	}

	result := m.prober.Probe(ctx, t.profile, t.date)
	c := classifier.Classify(t.profile, result)
	tr := jobstate.Apply(st, c.Availability, result.CheckedAt, m.cfg.FailureThreshold)

	m.recordCheck(ctx, t, result, c)

	if tr.Downgraded {
		m.logger.Info("Pair downgraded to UNKNOWN after repeated failures",
			"job_id", t.job.ID,
			"date", t.date.String(),
			"failures", tr.Next.ConsecutiveFailures)
	}

	if !tr.Notify {
		if err := m.store.CompareAndSetDateState(ctx, t.job.ID, t.date, st.Version, tr.Next); err != nil {
			return &result, m.storeErr(t, err)
		}
		m.publishState(t, tr.Next, c)
		return &result, nil
	}

	event, err := m.newEvent(t, result.CheckedAt)
	if err != nil {
		return &result, err
	}
	if err := m.store.MarkNotified(ctx, t.job.ID, t.date, st.Version, tr.Next, event); err != nil {
		return &result, m.storeErr(t, err)
	}

	tr.Next.Notified = true
	tr.Next.Pending = &event
	m.logger.Info("Availability detected",
		"job_id", t.job.ID,
		"resort", t.profile.Name,
		"date", t.date.String(),
		"color", c.Color,
		"event_id", event.ID,
		"notification_count", tr.Next.NotificationCount)
	m.publishState(t, tr.Next, c)

	m.deliver(ctx, t, event)
	return &result, nil
}

func (m *Monitor) storeErr(t task, err error) error {
	if errors.Is(err, parking.ErrConflict) {
		m.logger.Info("Date state changed concurrently, reading dropped",
			"job_id", t.job.ID,
			"date", t.date.String())
		return nil
	}
	return fmt.Errorf("persist date state: %w", err)
}

func (m *Monitor) newEvent(t task, at time.Time) (parking.NotificationEvent, error) {
	tok, err := m.tokens.Issue(t.job.ID, t.date)
	if err != nil {
		return parking.NotificationEvent{}, fmt.Errorf("issue resume token: %w", err)
	}
	return parking.NotificationEvent{
		ID:          uuid.NewString(),
		JobID:       t.job.ID,
		Date:        t.date,
		Target:      t.job.Contact,
		ResumeToken: tok,
		CreatedAt:   at,
	}, nil
}

// deliver sends an event and marks it delivered. A failed send leaves the
// event pending for the next cycle.
func (m *Monitor) deliver(ctx context.Context, t task, event parking.NotificationEvent) bool {
	notice := parking.Notice{
		Event:      event,
		Resort:     t.profile.Name,
		BookingURL: resort.ResolveURL(t.profile, t.date),
	}
	if err := m.gateway.Send(ctx, notice); err != nil {
		m.logger.Error("Notification delivery failed, will retry next cycle",
			"job_id", t.job.ID,
			"date", t.date.String(),
			"event_id", event.ID,
			"error", err)
		return false
	}
	if err := m.store.MarkDelivered(ctx, t.job.ID, t.date, event.ID, m.now()); err != nil {
		m.logger.Warn("Failed to mark notification delivered",
			"job_id", t.job.ID,
			"event_id", event.ID,
			"error", err)
		return false
	}
	m.publish("notification", map[string]any{
		"job_id":   t.job.ID,
		"date":     t.date.String(),
		"event_id": event.ID,
	})
	return true
}

func (m *Monitor) recordCheck(ctx context.Context, t task, result parking.ProbeResult, c classifier.Classification) {
	entry := parking.CheckLog{
		CheckedAt:    result.CheckedAt,
		Resort:       t.profile.Name,
		JobID:        t.job.ID,
		Date:         t.date,
		Status:       c.Availability,
		ResponseTime: result.Duration,
		Found:        c.Availability == parking.Available,
	}
	if !result.OK() {
		entry.Error = string(result.Failure)
		if result.Detail != "" {
			entry.Error += ": " + result.Detail
		}
	}
	if err := m.store.RecordCheck(ctx, entry); err != nil {
		m.logger.Warn("Failed to record check", "job_id", t.job.ID, "error", err)
	}
	m.publish("check", entry)
}

func (m *Monitor) publishState(t task, st parking.DateState, c classifier.Classification) {
	m.publish("state", map[string]any{
		"job_id":       t.job.ID,
		"resort":       t.profile.Name,
		"date":         t.date.String(),
		"availability": st.Availability,
		"reading":      c.Availability,
		"marker":       c.Marker,
		"notified":     st.Notified,
	})
}

func (m *Monitor) publish(kind string, payload any) {
	if m.publisher != nil {
		m.publisher.Publish(kind, payload)
	}
}

// finish clears the in-flight mark, schedules the pair's next probe and
// updates resort backoff.
func (m *Monitor) finish(t task, result *parking.ProbeResult) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, t.key())

	h := m.resorts[t.profile.Name]
	if h == nil {
		h = &resortHealth{}
		m.resorts[t.profile.Name] = h
	}

	var startRotation bool
	switch {
	case result == nil:
		// Store trouble says nothing about the resort.
	case result.OK():
		if h.failures >= m.cfg.BackoffThreshold && m.cfg.BackoffThreshold > 0 {
			m.logger.Info("Resort recovered", "resort", t.profile.Name, "failures", h.failures)
		}
		h.failures = 0
		h.backoffUntil = time.Time{}
		h.lastSuccess = now
	case result.Failure == parking.SessionUnavailable:
		// Local pool pressure, not the resort.
	default:
		h.failures++
		if m.cfg.BackoffThreshold > 0 && h.failures >= m.cfg.BackoffThreshold {
			wait := backoff(t.profile.Interval, h.failures-m.cfg.BackoffThreshold, m.cfg.BackoffCeiling)
			h.backoffUntil = now.Add(wait)
			m.logger.Warn("Resort backing off",
				"resort", t.profile.Name,
				"failures", h.failures,
				"backoff", wait.String())
			if h.failures == m.cfg.BackoffThreshold && m.rotator != nil && !h.rotating {
				h.rotating = true
				startRotation = true
			}
		}
	}

	m.due[t.key()] = now.Add(t.profile.Interval)

	if startRotation {
		go m.rotate(t.profile.Name)
	}
}

func (m *Monitor) rotate(resortName string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RotateTimeout)
	defer cancel()

	if err := m.rotator.Rotate(ctx); err != nil {
		m.logger.Error("IP rotation failed", "resort", resortName, "error", err)
	} else {
		m.logger.Info("IP rotated after resort failures", "resort", resortName)
	}

	m.mu.Lock()
	if h := m.resorts[resortName]; h != nil {
		h.rotating = false
	}
	m.mu.Unlock()
}

// backoff returns interval * 2^(level+1), capped at ceiling.
func backoff(interval time.Duration, level int, ceiling time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Minute
	}
	wait := interval
	for range level + 1 {
		wait *= 2
		if ceiling > 0 && wait >= ceiling {
			return ceiling
		}
	}
	return wait
}

func (m *Monitor) inFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// ResortStatus is the scheduling view of one resort.
type ResortStatus struct {
	LastSuccess  time.Time `json:"last_success,omitzero"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	Name         string    `json:"name"`
	Failures     int       `json:"consecutive_failures"`
	BackingOff   bool      `json:"backing_off"`
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	LastDispatch time.Time      `json:"last_dispatch,omitzero"`
	Resorts      []ResortStatus `json:"resorts"`
	InFlight     int            `json:"in_flight"`
	Queued       int            `json:"queued"`
	Workers      int            `json:"workers"`
	Running      bool           `json:"running"`
}

// Status reports last successful poll per resort, backoff state and the
// in-flight count.
func (m *Monitor) Status() Status {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		LastDispatch: m.lastPass,
		InFlight:     len(m.inFlight),
		Queued:       len(m.queue),
		Workers:      m.cfg.Workers,
		Running:      m.started && !m.stopped,
	}
	for name, h := range m.resorts {
		s.Resorts = append(s.Resorts, ResortStatus{
			Name:         name,
			LastSuccess:  h.lastSuccess,
			BackoffUntil: h.backoffUntil,
			Failures:     h.failures,
			BackingOff:   now.Before(h.backoffUntil),
		})
	}
	sort.Slice(s.Resorts, func(i, j int) bool { return s.Resorts[i].Name < s.Resorts[j].Name })
	return s
}
