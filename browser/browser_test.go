package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parkwatch/pkg/parking"
)

type fakeSession struct {
	id      int
	closed  atomic.Bool
	healthy atomic.Bool
}

func (s *fakeSession) Navigate(context.Context, string) error    { return nil }
func (s *fakeSession) WaitVisible(context.Context, string) error { return nil }
func (s *fakeSession) ComputedBackground(context.Context, string) (string, error) {
	return "rgba(0, 0, 0, 0)", nil
}
func (s *fakeSession) OuterHTML(context.Context, string) (string, error) { return "<div></div>", nil }

func (s *fakeSession) Ping(context.Context) error {
	if !s.healthy.Load() {
		return ErrSessionLost
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	sessions []*fakeSession
	fail     bool
}

func (l *fakeLauncher) Launch(ctx context.Context) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("chrome not installed")
	}
	s := &fakeSession{id: len(l.sessions)}
	s.healthy.Store(true)
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPoolReusesHealthySessions(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, 2, time.Second, testLogger())
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	first := lease.Session()
	lease.Release()
	lease.Release() // second release is a no-op

	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Session() != first {
		t.Error("healthy idle session should be reused")
	}
	lease.Release()

	if l.count() != 1 {
		t.Errorf("launched %d sessions, want 1", l.count())
	}
}

func TestPoolNeverReusesDiscardedOrUnhealthy(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, 1, time.Second, testLogger())
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	crashed := lease.Session().(*fakeSession)
	lease.Discard()
	if !crashed.closed.Load() {
		t.Error("discarded session should be closed")
	}

	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Session() == Session(crashed) {
		t.Fatal("discarded session was handed out again")
	}
	second := lease.Session().(*fakeSession)
	lease.Release()

	// Dies while idle: health check must catch it.
	second.healthy.Store(false)
	lease, err = p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Session() == Session(second) {
		t.Fatal("unhealthy idle session was handed out")
	}
	lease.Release()

	if got := p.Stats().Discarded; got != 2 {
		t.Errorf("Discarded = %d, want 2", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, 3, 5*time.Second, testLogger())
	ctx := context.Background()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Errorf("peak concurrent sessions = %d, want <= 3", peak.Load())
	}
	if l.count() > 3 {
		t.Errorf("launched %d sessions, want <= 3", l.count())
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	p := NewPool(&fakeLauncher{}, 1, 20*time.Millisecond, testLogger())
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, parking.ErrResourceExhausted) {
		t.Errorf("Acquire() error = %v, want ErrResourceExhausted", err)
	}
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	l := &fakeLauncher{fail: true}
	p := NewPool(l, 1, 20*time.Millisecond, testLogger())

	for range 3 {
		_, err := p.Acquire(context.Background())
		if err == nil || errors.Is(err, parking.ErrResourceExhausted) {
			t.Fatalf("Acquire() error = %v, want launch failure", err)
		}
	}
	if p.Stats().InUse != 0 {
		t.Errorf("InUse = %d after failed launches", p.Stats().InUse)
	}
}

func TestPoolCloseWaitsForLeases(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, 2, time.Second, testLogger())
	ctx := context.Background()

	busy, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	busySession := busy.Session().(*fakeSession)

	done := make(chan error, 1)
	go func() { done <- p.Close(ctx) }()

	select {
	case <-done:
		t.Fatal("Close returned while a lease was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	busy.Release()
	if err := <-done; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !busySession.closed.Load() {
		t.Error("session released after Close should be closed")
	}
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() after Close error = %v", err)
	}
}
