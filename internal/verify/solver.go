// File: internal/verify/solver.go
package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenSolver exchanges a detected challenge for a response token.
type TokenSolver interface {
	Solve(ctx context.Context, challenge schemas.VerificationChallenge) (string, error)
}

// HTTPSolver is a client for a 2captcha-compatible solving service.
type HTTPSolver struct {
	endpoint     string
	apiKey       string
	pollInterval time.Duration
	limiter      *rate.Limiter
	client       *http.Client
	logger       *zap.Logger
}

// NewHTTPSolver creates a solver client. The caller is responsible for
// checking that a credential is configured before invoking Solve.
func NewHTTPSolver(cfg config.SolverConfig, logger *zap.Logger) *HTTPSolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &HTTPSolver{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(limit, 1),
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger.Named("solver"),
	}
}

// solverResponse is the service's uniform JSON envelope.
type solverResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// methodFor maps challenge types to the service's task methods.
func methodFor(t schemas.ChallengeType) (string, error) {
	switch t {
	case schemas.ChallengeRecaptchaV2, schemas.ChallengeRecaptchaV3:
		return "userrecaptcha", nil
	case schemas.ChallengeHCaptcha:
		return "hcaptcha", nil
	case schemas.ChallengeTurnstile:
		return "turnstile", nil
	default:
		return "", fmt.Errorf("challenge unsolvable: no solver method for type %q", t)
	}
}

// Solve submits the challenge and polls until the service returns a token.
// The ctx deadline bounds the whole exchange.
func (s *HTTPSolver) Solve(ctx context.Context, challenge schemas.VerificationChallenge) (string, error) {
	method, err := methodFor(challenge.Type)
	if err != nil {
		return "", err
	}
	if challenge.SiteKey == "" {
		return "", fmt.Errorf("challenge unsolvable: no site key recovered from page")
	}

	taskID, err := s.createTask(ctx, method, challenge)
	if err != nil {
		return "", err
	}

	s.logger.Debug("Solve task submitted.", zap.String("task_id", taskID), zap.String("method", method))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("challenge timeout: solve polling interrupted: %w", ctx.Err())
		case <-ticker.C:
			token, ready, err := s.pollResult(ctx, taskID)
			if err != nil {
				return "", err
			}
			if ready {
				return token, nil
			}
		}
	}
}

func (s *HTTPSolver) createTask(ctx context.Context, method string, challenge schemas.VerificationChallenge) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("solver rate limiter interrupted: %w", err)
	}

	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("method", method)
	params.Set("googlekey", challenge.SiteKey)
	params.Set("sitekey", challenge.SiteKey)
	params.Set("pageurl", challenge.PageURL)
	params.Set("json", "1")
	if challenge.Type == schemas.ChallengeRecaptchaV3 {
		params.Set("version", "v3")
	}

	resp, err := s.get(ctx, s.endpoint+"/in.php?"+params.Encode())
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		return "", solverError(resp.Request)
	}
	return resp.Request, nil
}

func (s *HTTPSolver) pollResult(ctx context.Context, taskID string) (string, bool, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("action", "get")
	params.Set("id", taskID)
	params.Set("json", "1")

	resp, err := s.get(ctx, s.endpoint+"/res.php?"+params.Encode())
	if err != nil {
		return "", false, err
	}

	if resp.Status == 1 {
		return resp.Request, true, nil
	}
	if resp.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	return "", false, solverError(resp.Request)
}

func (s *HTTPSolver) get(ctx context.Context, rawURL string) (*solverResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build solver request: %w", err)
	}

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d", httpResp.StatusCode)
	}

	var resp solverResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode solver response: %w", err)
	}
	return &resp, nil
}

// solverError maps the service's error codes onto messages the classifier
// understands.
func solverError(code string) error {
	switch code {
	case "ERROR_ZERO_BALANCE":
		return fmt.Errorf("insufficient balance: solver account has zero balance")
	case "ERROR_CAPTCHA_UNSOLVABLE":
		return fmt.Errorf("challenge unsolvable: solver gave up on this challenge")
	case "ERROR_WRONG_USER_KEY", "ERROR_KEY_DOES_NOT_EXIST":
		return fmt.Errorf("configuration error: solver rejected the api key (%s)", code)
	default:
		return fmt.Errorf("solver error: %s", code)
	}
}
