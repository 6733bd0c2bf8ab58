// File: internal/verify/handler.go
package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/config"
)

// State is the handler's position in its challenge lifecycle.
type State string

const (
	StateNoChallenge       State = "no_challenge"
	StateChallengeDetected State = "challenge_detected"
	StateSolved            State = "solved"
	StateUnsolved          State = "unsolved"
)

// ErrNotConfigured is returned when a challenge is present but no solving
// credential was provisioned.
var ErrNotConfigured = fmt.Errorf("challenge unsolvable: solver not configured")

// Handler drives detection and resolution of verification challenges.
type Handler struct {
	detector     *Detector
	solver       TokenSolver
	configured   bool
	maxAttempts  int
	attemptDelay time.Duration
	logger       *zap.Logger
}

// NewHandler wires a handler from configuration. When cfg.APIKey is empty
// the handler still detects challenges but short-circuits solving.
func NewHandler(cfg config.SolverConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	attemptDelay := cfg.AttemptDelay
	if attemptDelay <= 0 {
		attemptDelay = 5 * time.Second
	}

	return &Handler{
		detector:     NewDetector(logger),
		solver:       NewHTTPSolver(cfg, logger),
		configured:   cfg.APIKey != "",
		maxAttempts:  maxAttempts,
		attemptDelay: attemptDelay,
		logger:       logger.Named("verification"),
	}
}

// WithSolver replaces the token solver; tests use this to avoid the HTTP
// client.
func (h *Handler) WithSolver(solver TokenSolver, configured bool) *Handler {
	h.solver = solver
	h.configured = configured
	return h
}

// Handle inspects the surface and resolves a challenge if one is present
// and a credential is configured. It returns the terminal state and the
// detected challenge (nil when none was found). An unsolved challenge is
// returned as an error alongside StateUnsolved.
func (h *Handler) Handle(ctx context.Context, surface schemas.Surface, pageURL string) (State, *schemas.VerificationChallenge, error) {
	challenge, err := h.detector.Detect(ctx, surface, pageURL)
	if err != nil {
		return StateNoChallenge, nil, err
	}
	if !challenge.Found {
		return StateNoChallenge, nil, nil
	}

	if !h.configured {
		return StateUnsolved, challenge, ErrNotConfigured
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return StateUnsolved, challenge, fmt.Errorf("challenge timeout: %w", ctx.Err())
			case <-time.After(h.attemptDelay):
			}
		}

		token, err := h.solver.Solve(ctx, *challenge)
		if err != nil {
			lastErr = err
			h.logger.Warn("Solve attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if err := h.injectToken(ctx, surface, challenge.Type, token); err != nil {
			lastErr = err
			h.logger.Warn("Token injection failed.", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		// Give the page a moment to acknowledge the injected token.
		select {
		case <-ctx.Done():
			return StateUnsolved, challenge, fmt.Errorf("challenge timeout: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}

		h.logger.Info("Verification challenge solved.", zap.Int("attempts", attempt))
		return StateSolved, challenge, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("challenge unsolvable: all solve attempts exhausted")
	}
	return StateUnsolved, challenge, lastErr
}

// injectToken writes the solver's token into the vendor's response slot and
// pokes the page's completion callbacks.
func (h *Handler) injectToken(ctx context.Context, surface schemas.Surface, t schemas.ChallengeType, token string) error {
	var slot string
	switch t {
	case schemas.ChallengeRecaptchaV2, schemas.ChallengeRecaptchaV3:
		slot = "g-recaptcha-response"
	case schemas.ChallengeHCaptcha:
		slot = "h-captcha-response"
	case schemas.ChallengeTurnstile:
		slot = "cf-turnstile-response"
	default:
		return fmt.Errorf("challenge unsolvable: no injection slot for type %q", t)
	}

	script := fmt.Sprintf(injectTokenScript, jsonString(slot), jsonString(token))
	if err := surface.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("token injection script failed: %w", err)
	}
	return nil
}

// injectTokenScript fills every matching response slot (some pages render
// several) and fires the change notification frameworks listen on.
const injectTokenScript = `
(() => {
    const slot = %s;
    const token = %s;
    let injected = 0;
    for (const el of document.querySelectorAll('textarea[name="' + slot + '"], input[name="' + slot + '"]')) {
        el.value = token;
        el.dispatchEvent(new Event('change', { bubbles: true }));
        injected++;
    }
    if (injected === 0) {
        const el = document.createElement('textarea');
        el.name = slot;
        el.style.display = 'none';
        el.value = token;
        document.body.appendChild(el);
    }
    return true;
})()
`

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
