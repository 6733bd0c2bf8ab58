// File: internal/verify/detector.go

// Package verify detects interactive human-verification challenges on a
// target surface and, when a solving credential is configured, attempts
// automated resolution with bounded retries.
package verify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

// detectionScript inspects the primary surface for known marker attributes
// and site-key patterns across the supported challenge vendors.
const detectionScript = `
(() => {
    const sitekeyOf = (el) => el ? (el.getAttribute('data-sitekey') || '') : '';

    const v2 = document.querySelector('.g-recaptcha[data-sitekey], div[data-sitekey][class*="recaptcha"]');
    if (v2) return { found: true, type: 'recaptcha_v2', siteKey: sitekeyOf(v2) };

    for (const s of document.querySelectorAll('script[src]')) {
        const m = s.src.match(/recaptcha\/api\.js\?render=([\w-]+)/);
        if (m && m[1] !== 'explicit') return { found: true, type: 'recaptcha_v3', siteKey: m[1] };
    }

    const hc = document.querySelector('.h-captcha[data-sitekey], div[data-sitekey][class*="h-captcha"]');
    if (hc) return { found: true, type: 'hcaptcha', siteKey: sitekeyOf(hc) };

    const ts = document.querySelector('.cf-turnstile[data-sitekey]');
    if (ts) return { found: true, type: 'turnstile', siteKey: sitekeyOf(ts) };

    if (document.querySelector('textarea[name="g-recaptcha-response"]')) {
        return { found: true, type: 'recaptcha_v2', siteKey: '' };
    }

    return { found: false, type: '', siteKey: '' };
})()
`

// Detector locates verification challenges on a surface.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger.Named("challenge_detector")}
}

// Detect inspects the primary surface first, then falls back to scanning
// sub-frame URLs for challenge iframes. Cross-origin frames are skipped by
// construction since only their URLs are consulted, never their documents.
func (d *Detector) Detect(ctx context.Context, surface schemas.Surface, pageURL string) (*schemas.VerificationChallenge, error) {
	var challenge schemas.VerificationChallenge
	if err := surface.Evaluate(ctx, detectionScript, &challenge); err != nil {
		return nil, fmt.Errorf("challenge detection script failed: %w", err)
	}

	if !challenge.Found {
		frames, err := surface.FrameURLs(ctx)
		if err != nil {
			// Frame enumeration is a fallback; its failure never fails detection.
			d.logger.Debug("Frame enumeration failed during challenge detection.", zap.Error(err))
		} else {
			challenge = classifyFrames(frames)
		}
	}

	if challenge.Found {
		challenge.PageURL = pageURL
		d.logger.Info("Verification challenge detected.",
			zap.String("type", string(challenge.Type)),
			zap.Bool("site_key_present", challenge.SiteKey != ""))
	}

	return &challenge, nil
}

// classifyFrames matches sub-frame URLs against known challenge iframe
// patterns and recovers the site key from the URL when it is carried there.
func classifyFrames(frames []string) schemas.VerificationChallenge {
	for _, frame := range frames {
		lower := strings.ToLower(frame)
		switch {
		case strings.Contains(lower, "google.com/recaptcha") || strings.Contains(lower, "recaptcha.net"):
			return schemas.VerificationChallenge{
				Found:   true,
				Type:    schemas.ChallengeRecaptchaV2,
				SiteKey: frameQueryParam(frame, "k"),
			}
		case strings.Contains(lower, "hcaptcha.com"):
			return schemas.VerificationChallenge{
				Found:   true,
				Type:    schemas.ChallengeHCaptcha,
				SiteKey: frameQueryParam(frame, "sitekey"),
			}
		case strings.Contains(lower, "challenges.cloudflare.com"):
			return schemas.VerificationChallenge{Found: true, Type: schemas.ChallengeTurnstile}
		}
	}
	return schemas.VerificationChallenge{}
}

func frameQueryParam(frameURL, param string) string {
	u, err := url.Parse(frameURL)
	if err != nil {
		return ""
	}
	// Some vendors put parameters in the fragment rather than the query.
	if v := u.Query().Get(param); v != "" {
		return v
	}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		return frag.Get(param)
	}
	return ""
}
