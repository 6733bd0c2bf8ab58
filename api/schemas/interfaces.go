// File: api/schemas/interfaces.go
package schemas

import "context"

// Surface is one isolated navigable page borrowed from the session pool. It
// is owned exclusively by the borrowing caller until released and treats the
// underlying browser tab as a black box exposing navigation, inspection, and
// scripted interaction.
type Surface interface {
	ID() string
	// Navigate loads the target URL and waits for the load event, bounded by
	// the configured navigation timeout.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression on the page and unmarshals its
	// JSON-serializable result into out (may be nil to discard).
	Evaluate(ctx context.Context, script string, out any) error
	// FrameURLs returns the URLs of all sub-frames currently attached to the
	// page, including cross-origin frames (their URLs are visible even when
	// their documents are not).
	FrameURLs(ctx context.Context) ([]string, error)
	// CaptureScreenshot takes a PNG snapshot of the visible viewport.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}
