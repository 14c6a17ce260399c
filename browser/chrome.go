package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ChromeConfig configures headless Chrome.
type ChromeConfig struct {
	ExecPath  string // Empty uses chromedp's lookup
	UserAgent string
	Headless  bool
}

// ChromeLauncher launches one Chrome process per session, so a crash only
// takes down the session that owned it.
type ChromeLauncher struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewChromeLauncher prepares a Chrome allocator. No browser is started until Launch.
func NewChromeLauncher(cfg ChromeConfig, logger *slog.Logger) *ChromeLauncher {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(ua),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeLauncher{allocCtx: allocCtx, cancel: cancel, logger: logger}
}

// Launch starts a new Chrome process.
func (l *ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	browserCtx, cancel := chromedp.NewContext(l.allocCtx)
	// The first Run allocates the browser; it must use the long-lived context
	// or the browser would die with the caller's deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	l.logger.Info("Chrome session started", "duration_ms", time.Since(startTime).Milliseconds())
	return &chromeSession{ctx: browserCtx, cancel: cancel}, nil
}

// Close shuts down the allocator and any browsers still running.
func (l *ChromeLauncher) Close() {
	l.cancel()
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the session, bounded by ctx. Errors caused by the
// browser going away are reported as ErrSessionLost.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.ctx.Err() != nil {
		return ErrSessionLost
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}

	// Unexpected failure: find out whether the browser is still there.
	pctx, pcancel := context.WithTimeout(s.ctx, pingTimeout)
	defer pcancel()
	var one int
	if pingErr := chromedp.Run(pctx, chromedp.Evaluate(`1`, &one)); pingErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, errors.Join(err, pingErr))
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromeSession) ComputedBackground(ctx context.Context, selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? window.getComputedStyle(el).backgroundColor : "";
	})()`, quoted)

	var color string
	if err := s.run(ctx, chromedp.Evaluate(script, &color)); err != nil {
		return "", err
	}
	return color, nil
}

func (s *chromeSession) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML(selector, &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *chromeSession) Ping(ctx context.Context) error {
	var one int
	return s.run(ctx, chromedp.Evaluate(`1`, &one))
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
