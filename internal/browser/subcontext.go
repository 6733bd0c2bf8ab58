// File: internal/browser/subcontext.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/internal/config"
)

// blockedResourceTypes are fetched eagerly by pages but contribute nothing to
// form interaction. Failing them early keeps navigation fast and cheap.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeMedia:      true,
	network.ResourceTypeStylesheet: true,
}

// chromeTab wraps one derived browser context. All operations run against
// the tab's own target.
type chromeTab struct {
	id         string
	cfg        config.BrowserConfig
	logger     *zap.Logger
	tabCtx     context.Context
	tabCancel  context.CancelFunc
	navTimeout time.Duration
}

func newChromeTab(browserCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*chromeTab, error) {
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)

	t := &chromeTab{
		id:         uuid.NewString(),
		cfg:        cfg,
		logger:     logger.Named("tab"),
		tabCtx:     tabCtx,
		tabCancel:  tabCancel,
		navTimeout: cfg.NavigationTimeout,
	}
	if t.navTimeout <= 0 {
		t.navTimeout = 60 * time.Second
	}

	if err := t.setupInterception(); err != nil {
		tabCancel()
		return nil, err
	}
	return t, nil
}

// setupInterception enables the fetch domain when resource blocking or proxy
// credentials require it, and wires the event handlers that service paused
// requests and authentication challenges.
func (t *chromeTab) setupInterception() error {
	needAuth := t.cfg.Proxy.Enabled() && t.cfg.Proxy.Username != ""
	if !t.cfg.BlockResources && !needAuth {
		return nil
	}

	chromedp.ListenTarget(t.tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go t.handlePausedRequest(e)
		case *fetch.EventAuthRequired:
			go t.handleAuthRequired(e, needAuth)
		}
	})

	enable := fetch.Enable()
	if needAuth {
		enable = enable.WithHandleAuthRequests(true)
	}
	if err := chromedp.Run(t.tabCtx, enable); err != nil {
		return fmt.Errorf("failed to enable request interception: %w", err)
	}
	return nil
}

func (t *chromeTab) handlePausedRequest(ev *fetch.EventRequestPaused) {
	executor := cdp.WithExecutor(t.tabCtx, chromedp.FromContext(t.tabCtx).Target)

	if t.cfg.BlockResources && blockedResourceTypes[ev.ResourceType] {
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(executor)
		return
	}
	_ = fetch.ContinueRequest(ev.RequestID).Do(executor)
}

func (t *chromeTab) handleAuthRequired(ev *fetch.EventAuthRequired, configured bool) {
	executor := cdp.WithExecutor(t.tabCtx, chromedp.FromContext(t.tabCtx).Target)

	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
	if configured && ev.AuthChallenge != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: t.cfg.Proxy.Username,
			Password: t.cfg.Proxy.Password,
		}
	}
	_ = fetch.ContinueWithAuth(ev.RequestID, resp).Do(executor)
}

// ID returns the tab's unique identifier.
func (t *chromeTab) ID() string { return t.id }

// Navigate drives the tab to url and waits for the load to settle, bounded
// by the configured navigation timeout.
func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("invalid url %q: scheme must be http or https", url)
	}

	navCtx, cancel := context.WithTimeout(t.tabCtx, t.navTimeout)
	defer cancel()
	navCtx, release := withCallerCancel(navCtx, ctx)
	defer release()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		if navCtx.Err() != nil {
			return fmt.Errorf("navigation timeout after %s for %s: %w", t.navTimeout, url, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Evaluate runs script in the page and decodes the resolved value into out.
// Scripts may return promises; the result is awaited.
func (t *chromeTab) Evaluate(ctx context.Context, script string, out any) error {
	evalCtx, release := withCallerCancel(t.tabCtx, ctx)
	defer release()

	err := chromedp.Run(evalCtx, chromedp.Evaluate(script, out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		},
	))
	if err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// FrameURLs returns the URLs of every frame attached to the page, the main
// frame first.
func (t *chromeTab) FrameURLs(ctx context.Context) ([]string, error) {
	frameCtx, release := withCallerCancel(t.tabCtx, ctx)
	defer release()

	var urls []string
	err := chromedp.Run(frameCtx, chromedp.ActionFunc(func(c context.Context) error {
		tree, err := page.GetFrameTree().Do(c)
		if err != nil {
			return err
		}
		var walk func(node *page.FrameTree)
		walk = func(node *page.FrameTree) {
			if node == nil || node.Frame == nil {
				return
			}
			urls = append(urls, node.Frame.URL)
			for _, child := range node.ChildFrames {
				walk(child)
			}
		}
		walk(tree)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate frames: %w", err)
	}
	return urls, nil
}

// CaptureScreenshot takes a full-page screenshot of the current page.
func (t *chromeTab) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	shotCtx, release := withCallerCancel(t.tabCtx, ctx)
	defer release()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// Close tears down the tab's target.
func (t *chromeTab) Close(ctx context.Context) error {
	t.tabCancel()
	return nil
}

// withCallerCancel derives a context that carries the tab's target but is
// also cancelled when the caller's context is. chromedp operations must run
// on the tab context chain, so the caller's deadline is bridged over. The
// returned release func detaches the bridge once the call completes.
func withCallerCancel(tabCtx, caller context.Context) (context.Context, context.CancelFunc) {
	if caller == nil || caller == context.Background() {
		return tabCtx, func() {}
	}
	merged, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(caller, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
