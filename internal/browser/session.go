// File: internal/browser/session.go

// Package browser manages a bounded pool of heavyweight automation sessions
// and bounded sub-contexts (tabs) per session, handing a ready tab to each
// request and reclaiming it afterward.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/internal/config"
)

// Tab is one live sub-context handle. It is owned exclusively by the caller
// that acquired it until released back to the pool.
type Tab interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string, out any) error
	FrameURLs(ctx context.Context) ([]string, error)
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Driver is the underlying automation session a SessionSlot owns. The
// chromedp implementation is chromeDriver; tests substitute fakes.
type Driver interface {
	Alive() bool
	NewTab(ctx context.Context) (Tab, error)
	Close(ctx context.Context) error
}

// DriverFactory creates a Driver. The pool calls it whenever a new session
// slot is needed.
type DriverFactory func(ctx context.Context) (Driver, error)

// chromeDriver owns one headless browser process via a dedicated exec
// allocator. Tabs are derived browser contexts.
type chromeDriver struct {
	id            string
	cfg           config.BrowserConfig
	logger        *zap.Logger
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeDriverFactory returns a DriverFactory that launches real browser
// processes configured for maximum reuse throughput: headless, fixed
// viewport, fixed identity string, optional proxy routing.
func NewChromeDriverFactory(cfg config.BrowserConfig, logger *zap.Logger) DriverFactory {
	return func(ctx context.Context) (Driver, error) {
		return newChromeDriver(ctx, cfg, logger)
	}
}

func newChromeDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*chromeDriver, error) {
	d := &chromeDriver{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: logger.Named("session").With(zap.String("session_id", uuid.NewString()[:8])),
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, d.allocatorOptions()...)
	d.allocCtx = allocCtx
	d.allocCancel = allocCancel

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	d.browserCtx = browserCtx
	d.browserCancel = browserCancel

	// Confirm the browser starts and responds before handing the session out.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		d.browserCancel()
		d.allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	d.logger.Info("Browser session launched.")
	return d, nil
}

// allocatorOptions assembles the browser flags. Non-essential resource types
// are blocked per-tab through the fetch domain; the flags here keep the
// process itself lean.
func (d *chromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", d.cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(d.cfg.ViewportWidth, d.cfg.ViewportHeight),
		chromedp.UserAgent(d.cfg.UserAgent),
	)

	if d.cfg.Proxy.Enabled() {
		opts = append(opts, chromedp.ProxyServer(d.cfg.Proxy.Server))
	}

	// Flags required inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	return opts
}

func (d *chromeDriver) Alive() bool {
	return d.browserCtx.Err() == nil
}

func (d *chromeDriver) NewTab(ctx context.Context) (Tab, error) {
	if !d.Alive() {
		return nil, fmt.Errorf("browser crash: session is no longer live")
	}
	return newChromeTab(d.browserCtx, d.cfg, d.logger)
}

func (d *chromeDriver) Close(ctx context.Context) error {
	d.logger.Info("Closing browser session.")
	d.browserCancel()
	d.allocCancel()

	// Wait for the process to terminate, bounded by the caller's deadline.
	select {
	case <-d.allocCtx.Done():
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for browser shutdown: %w", ctx.Err())
	}
	return nil
}
