// Package probe loads a resort calendar in a pooled browser session and reads
// the colour of one date cell.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"parkwatch/browser"
	"parkwatch/pkg/parking"
	"parkwatch/resort"
	"parkwatch/scraper"
)

// Config bounds every suspension point of a probe.
type Config struct {
	AcquireTimeout    time.Duration // Per-resort slot and rate limit wait
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
}

// DefaultConfig mirrors the timings that worked against the resort sites.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:    30 * time.Second,
		NavigationTimeout: 45 * time.Second,
		ElementTimeout:    30 * time.Second,
	}
}

// Prober runs probes against resort pages.
type Prober struct {
	pool     *browser.Pool
	logger   *slog.Logger
	limiters map[string]*rate.Limiter
	slots    map[string]*semaphore.Weighted
	now      func() time.Time
	cfg      Config
	mu       sync.Mutex
}

// New creates a prober drawing sessions from pool.
func New(pool *browser.Pool, cfg Config, logger *slog.Logger) *Prober {
	return &Prober{
		pool:     pool,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		slots:    make(map[string]*semaphore.Weighted),
		now:      time.Now,
		cfg:      cfg,
	}
}

// Probe reads the colour of the date cell for d. It never returns an error:
// failures are reported in the result's Failure field.
func (p *Prober) Probe(ctx context.Context, profile parking.ResortProfile, d parking.Date) parking.ProbeResult {
	start := p.now()
	result := parking.ProbeResult{
		Resort:    profile.Name,
		Date:      d,
		CheckedAt: start,
	}

	var color string
	var lastErr error
	attempt := 0
	// One immediate retry on a fresh session if the browser died under us.
	// lastErr carries the outcome.
	_ = retry.Do(
		func() error {
			attempt++
			color, lastErr = p.probeOnce(ctx, profile, d)
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Browser session lost, retrying probe on a fresh session",
				"resort", profile.Name,
				"date", d.String(),
				"attempt", n,
				"error", err)
		}),
		retry.RetryIf(func(err error) bool {
			reason, ok := parking.ProbeFailure(err)
			return ok && reason == parking.SessionLost
		}),
	)

	result.Duration = time.Since(start)
	if lastErr != nil {
		reason, ok := parking.ProbeFailure(lastErr)
		if !ok {
			reason = parking.NavigationFailed
		}
		result.Failure = reason
		result.Detail = lastErr.Error()
		result.Confidence = parking.ConfidenceNone
		p.logger.Warn("Probe failed",
			"resort", profile.Name,
			"date", d.String(),
			"reason", reason,
			"attempts", attempt,
			"duration_ms", result.Duration.Milliseconds(),
			"error", lastErr)
		return result
	}

	result.Color = color
	result.Confidence = parking.ConfidenceHigh
	p.logger.Info("Probe completed",
		"resort", profile.Name,
		"date", d.String(),
		"color", color,
		"duration_ms", result.Duration.Milliseconds())
	return result
}

func (p *Prober) probeOnce(ctx context.Context, profile parking.ResortProfile, d parking.Date) (string, error) {
	var color string
	err := p.withSession(ctx, profile, resort.ResolveURL(profile, d), func(s browser.Session) error {
		selector := resort.ResolveLocator(profile, d)

		wctx, cancel := context.WithTimeout(ctx, p.cfg.ElementTimeout)
		defer cancel()
		if err := s.WaitVisible(wctx, selector); err != nil {
			return classify(err, parking.ElementNotFound)
		}

		if err := sleepCtx(ctx, profile.SettleDelay); err != nil {
			return &parking.ProbeError{Reason: parking.ElementNotFound, Err: err}
		}

		rctx, rcancel := context.WithTimeout(ctx, p.cfg.ElementTimeout)
		defer rcancel()
		var err error
		color, err = readColor(rctx, s, profile.ColorSource, selector)
		if err != nil {
			return classify(err, parking.ElementNotFound)
		}
		if color == "" {
			return &parking.ProbeError{Reason: parking.ElementNotFound, Err: errors.New("element has no background colour")}
		}
		return nil
	})
	return color, err
}

// Snapshot loads the resort page for d and returns the rendered document.
func (p *Prober) Snapshot(ctx context.Context, profile parking.ResortProfile, d parking.Date) (string, error) {
	var html string
	err := p.withSession(ctx, profile, resort.ResolveURL(profile, d), func(s browser.Session) error {
		if err := sleepCtx(ctx, profile.SettleDelay); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ElementTimeout)
		defer cancel()
		var err error
		html, err = s.OuterHTML(rctx, "html")
		return classify(err, parking.ElementNotFound)
	})
	return html, err
}

// withSession applies the resort's rate limit and session cap, leases a
// session, navigates to pageURL and runs fn. Sessions that were lost are
// discarded, never returned to the pool.
func (p *Prober) withSession(ctx context.Context, profile parking.ResortProfile, pageURL string, fn func(browser.Session) error) error {
	release, err := p.admit(ctx, profile)
	if err != nil {
		return err
	}
	defer release()

	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		return acquireError(err)
	}
	s := lease.Session()

	nctx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	err = s.Navigate(nctx, pageURL)
	cancel()
	if err != nil {
		err = classify(err, parking.NavigationFailed)
	} else if fn != nil {
		err = fn(s)
	}

	if reason, ok := parking.ProbeFailure(err); ok && reason == parking.SessionLost {
		lease.Discard()
	} else {
		lease.Release()
	}
	return err
}

// admit waits for the resort's rate limiter and per-resort session slot.
func (p *Prober) admit(ctx context.Context, profile parking.ResortProfile) (func(), error) {
	limiter, slot := p.resortLimits(profile)

	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(actx); err != nil {
			return nil, &parking.ProbeError{
				Reason: parking.SessionUnavailable,
				Err:    fmt.Errorf("rate limit for %s: %w", profile.Name, parking.ErrResourceExhausted),
			}
		}
	}
	if slot == nil {
		return func() {}, nil
	}
	if err := slot.Acquire(actx, 1); err != nil {
		return nil, &parking.ProbeError{
			Reason: parking.SessionUnavailable,
			Err:    fmt.Errorf("session cap for %s: %w", profile.Name, parking.ErrResourceExhausted),
		}
	}
	return func() { slot.Release(1) }, nil
}

func (p *Prober) resortLimits(profile parking.ResortProfile) (*rate.Limiter, *semaphore.Weighted) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[profile.Name]
	if !ok && profile.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(profile.RequestsPerMinute/60), 1)
		p.limiters[profile.Name] = limiter
	}
	slot, ok := p.slots[profile.Name]
	if !ok && profile.MaxSessions > 0 {
		slot = semaphore.NewWeighted(int64(profile.MaxSessions))
		p.slots[profile.Name] = slot
	}
	return limiter, slot
}

// Forget drops cached limits for a resort so a reloaded profile takes effect.
func (p *Prober) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, name)
	delete(p.slots, name)
}

func readColor(ctx context.Context, s browser.Session, source, selector string) (string, error) {
	if source == parking.ColorInline {
		html, err := s.OuterHTML(ctx, selector)
		if err != nil {
			return "", err
		}
		return scraper.ElementBackground(html)
	}
	return s.ComputedBackground(ctx, selector)
}

// classify turns a session error into a ProbeError. Lost sessions always map
// to SESSION_LOST; anything else gets the step's own reason.
func classify(err error, reason parking.FailureReason) error {
	if err == nil {
		return nil
	}
	var pe *parking.ProbeError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, browser.ErrSessionLost) {
		return &parking.ProbeError{Reason: parking.SessionLost, Err: err}
	}
	return &parking.ProbeError{Reason: reason, Err: err}
}

// acquireError maps a pool error. Only an exhausted pool is SESSION_UNAVAILABLE;
// a browser that fails to launch counts against the resort like a lost session.
func acquireError(err error) error {
	if errors.Is(err, parking.ErrResourceExhausted) {
		return &parking.ProbeError{Reason: parking.SessionUnavailable, Err: err}
	}
	return &parking.ProbeError{Reason: parking.SessionLost, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
