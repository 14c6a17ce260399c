// Package browser manages a bounded pool of headless browser sessions.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"parkwatch/pkg/parking"
)

const pingTimeout = 5 * time.Second

var (
	// ErrSessionLost means the browser behind a session crashed or disconnected.
	// The session must be discarded.
	ErrSessionLost = errors.New("browser session lost")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Session is one browser instance able to load a page and read an element.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	ComputedBackground(ctx context.Context, selector string) (string, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Launcher starts new sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Stats describes pool occupancy.
type Stats struct {
	Size      int   `json:"size"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Launched  int64 `json:"launched"`
	Discarded int64 `json:"discarded"`
}

// Pool hands out at most size sessions at a time. Idle sessions are
// health-checked before reuse; a session that failed is never handed out again.
type Pool struct {
	launcher       Launcher
	sem            *semaphore.Weighted
	logger         *slog.Logger
	idle           []Session
	acquireTimeout time.Duration
	size           int
	inUse          int
	launched       int64
	discarded      int64
	mu             sync.Mutex
	closed         bool
}

// NewPool creates a pool of at most size concurrent sessions. Acquire waits
// at most acquireTimeout for a free slot.
func NewPool(launcher Launcher, size int, acquireTimeout time.Duration, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		launcher:       launcher,
		sem:            semaphore.NewWeighted(int64(size)),
		logger:         logger,
		acquireTimeout: acquireTimeout,
		size:           size,
	}
}

// Lease is exclusive use of one session. Exactly one of Release or Discard
// must be called.
type Lease struct {
	pool    *Pool
	session Session
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() Session {
	return l.session
}

// Release returns a healthy session to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.put(l.session, true) })
}

// Discard closes the session instead of returning it.
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.put(l.session, false) })
}

// Acquire waits for a free slot and returns a leased session. If no slot
// frees up within the acquire timeout the error wraps parking.ErrResourceExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire browser session after %s: %w", p.acquireTimeout, parking.ErrResourceExhausted)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse++
	p.mu.Unlock()

	s, err := p.idleOrLaunch(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	return &Lease{pool: p, session: s}, nil
}

func (p *Pool) idleOrLaunch(ctx context.Context) (Session, error) {
	for {
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := s.Ping(pctx)
		cancel()
		if err == nil {
			return s, nil
		}
		p.logger.Warn("Idle browser session failed health check, discarding", "error", err)
		p.closeSession(s)
	}

	s, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser session: %w", err)
	}
	p.mu.Lock()
	p.launched++
	p.mu.Unlock()
	p.logger.Debug("Browser session launched")
	return s, nil
}

func (p *Pool) put(s Session, healthy bool) {
	p.mu.Lock()
	p.inUse--
	keep := healthy && !p.closed
	if keep {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if !keep {
		p.closeSession(s)
	}
	p.sem.Release(1)
}

func (p *Pool) closeSession(s Session) {
	p.mu.Lock()
	p.discarded++
	p.mu.Unlock()
	if err := s.Close(); err != nil {
		p.logger.Warn("Failed to close browser session", "error", err)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		Launched:  p.launched,
		Discarded: p.discarded,
	}
}

// Close stops handing out sessions, waits for outstanding leases to come back
// (or ctx to expire), then closes every idle session.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	waitErr := p.sem.Acquire(ctx, int64(p.size))
	if waitErr == nil {
		defer p.sem.Release(int64(p.size))
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		p.closeSession(s)
	}
	p.logger.Info("Browser pool closed", "closed_sessions", len(idle))

	if waitErr != nil {
		return fmt.Errorf("wait for leased sessions: %w", waitErr)
	}
	return nil
}
