// File: internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/browser"
	"github.com/formforge/autoapply/internal/cache"
	"github.com/formforge/autoapply/internal/fill"
	"github.com/formforge/autoapply/internal/verify"
)

type fakeTab struct {
	navErr  error
	navURLs []string
	shot    []byte
}

func (t *fakeTab) ID() string { return "tab-1" }
func (t *fakeTab) Navigate(_ context.Context, url string) error {
	t.navURLs = append(t.navURLs, url)
	return t.navErr
}
func (t *fakeTab) Evaluate(context.Context, string, any) error { return nil }
func (t *fakeTab) FrameURLs(context.Context) ([]string, error) { return nil, nil }
func (t *fakeTab) CaptureScreenshot(context.Context) ([]byte, error) {
	if t.shot == nil {
		return nil, errors.New("no page loaded")
	}
	return t.shot, nil
}
func (t *fakeTab) Close(context.Context) error { return nil }

type fakePool struct {
	tab      *fakeTab
	acquires int
	releases int
	err      error
}

func (p *fakePool) Acquire(context.Context) (browser.Tab, error) {
	p.acquires++
	if p.err != nil {
		return nil, p.err
	}
	return p.tab, nil
}
func (p *fakePool) Release(context.Context, browser.Tab) { p.releases++ }
func (p *fakePool) Stats() browser.PoolStats {
	return browser.PoolStats{Sessions: 1, Tabs: 1, MaxSessions: 2, MaxTabs: 5}
}

type fakeExtractor struct {
	result *schemas.ExtractionResult
	err    error
}

func (e *fakeExtractor) Extract(context.Context, schemas.Surface) (*schemas.ExtractionResult, error) {
	return e.result, e.err
}

type fakeVerifier struct {
	state     verify.State
	challenge *schemas.VerificationChallenge
	err       error
}

func (v *fakeVerifier) Handle(context.Context, schemas.Surface, string) (verify.State, *schemas.VerificationChallenge, error) {
	return v.state, v.challenge, v.err
}

type fakeFiller struct {
	result *fill.Result
	err    error
}

func (f *fakeFiller) FillWithRetry(context.Context, schemas.Surface, []schemas.FieldDescriptor, map[string]string) (*fill.Result, error) {
	return f.result, f.err
}

type fakeGenerator struct {
	calls  int
	values map[string]string
	err    error
}

func (g *fakeGenerator) Generate(_ context.Context, fields []schemas.FieldDescriptor,
	_ schemas.RequesterProfile, _ schemas.TargetContext) (map[string]string, float64, error) {

	g.calls++
	if g.err != nil {
		return nil, 0, g.err
	}
	if g.values != nil {
		return g.values, 0.01, nil
	}
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f.Name] = "generated " + f.Name
	}
	return values, 0.01, nil
}

func testProfile() schemas.RequesterProfile {
	return schemas.RequesterProfile{
		ID:        "req-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+1-555-0100",
	}
}

func testJob() schemas.JobPayload {
	return schemas.JobPayload{
		ApplicationID: "app-1",
		TargetURL:     "https://example.com/apply",
		RequesterID:   "req-1",
	}
}

func tenFields() []schemas.FieldDescriptor {
	fields := make([]schemas.FieldDescriptor, 0, 10)
	for i := 0; i < 10; i++ {
		fields = append(fields, schemas.FieldDescriptor{
			Selector: fmt.Sprintf("#field-%d", i),
			Name:     fmt.Sprintf("field_%d", i),
			Kind:     schemas.KindText,
			Required: i < 5,
		})
	}
	return fields
}

type engineFixture struct {
	engine    *Engine
	pool      *fakePool
	tab       *fakeTab
	extractor *fakeExtractor
	verifier  *fakeVerifier
	filler    *fakeFiller
	generator *fakeGenerator
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	tab := &fakeTab{shot: []byte{0x89, 0x50, 0x4e, 0x47}}
	f := &engineFixture{
		pool: &fakePool{tab: tab},
		tab:  tab,
		extractor: &fakeExtractor{result: &schemas.ExtractionResult{
			Fields:     tenFields(),
			Complexity: schemas.ComplexityMedium,
		}},
		verifier:  &fakeVerifier{state: verify.StateNoChallenge},
		filler:    &fakeFiller{result: &fill.Result{Filled: 10}},
		generator: &fakeGenerator{},
	}
	resolver := cache.New(f.generator, time.Hour, 100, zap.NewNop())
	f.engine = New(f.pool, f.extractor, resolver, f.verifier, f.filler, zap.NewNop())
	return f
}

func TestExecuteHappyPathCacheMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First run generates and pays for the values.
	result, err := f.engine.Execute(ctx, testJob(), testProfile())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 10, result.FieldsExtracted)
	assert.Equal(t, 10, result.FieldsFilled)
	assert.InDelta(t, 0.01, result.Cost, 1e-9)
	assert.NotEmpty(t, result.Screenshot)
	assert.False(t, result.NeedsManualIntervention)
	assert.Equal(t, 1, f.generator.calls)

	// Second run with the same field set is served from cache at zero cost.
	result, err = f.engine.Execute(ctx, testJob(), testProfile())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.Cost)
	assert.Equal(t, 1, f.generator.calls)

	stats := f.engine.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.InDelta(t, 0.01, stats.TotalCost, 1e-9)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 0.005, stats.AverageCost, 1e-9)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 1e-9)
	assert.InDelta(t, 0.1, stats.PoolUtilization, 1e-9)
}

func TestExecuteIncompleteProfileNeverTouchesPool(t *testing.T) {
	f := newFixture(t)

	profile := testProfile()
	profile.Email = ""

	result, err := f.engine.Execute(context.Background(), testJob(), profile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete profile")
	assert.False(t, result.Success)
	assert.Equal(t, 0, f.pool.acquires)
}

func TestExecuteNavigationFailureReleasesTab(t *testing.T) {
	f := newFixture(t)
	f.tab.navErr = errors.New("navigation timeout after 60s for https://example.com/apply")

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, f.pool.acquires)
	assert.Equal(t, 1, f.pool.releases)
}

func TestExecuteNoFormFound(t *testing.T) {
	f := newFixture(t)
	f.extractor.result = &schemas.ExtractionResult{}

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no form found")
	assert.Zero(t, result.FieldsExtracted)
	assert.Equal(t, 1, f.pool.releases)
}

func TestExecuteUnsolvedChallengeNeedsManualIntervention(t *testing.T) {
	f := newFixture(t)
	f.verifier.state = verify.StateUnsolved
	f.verifier.challenge = &schemas.VerificationChallenge{
		Found: true,
		Type:  schemas.ChallengeRecaptchaV2,
	}
	f.verifier.err = errors.New("challenge unsolvable: all solve attempts failed")

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.True(t, result.NeedsManualIntervention)
	assert.Zero(t, result.FieldsFilled)
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 0, f.generator.calls)
	// The operator handling the manual step gets the page as evidence.
	assert.Equal(t, f.tab.shot, result.Screenshot)
}

func TestExecuteDetectionFailureFailsTheRun(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = errors.New("challenge detection script failed: browser crash")

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser crash")
	assert.False(t, result.Success)
	assert.Equal(t, 0, f.generator.calls)
	assert.Equal(t, 1, f.pool.releases)
}

func TestExecuteZeroFieldsFilledFailsTheRun(t *testing.T) {
	f := newFixture(t)
	f.filler.result = &fill.Result{
		Filled: 0,
		Errors: []fill.FieldError{{Field: "field_0", Message: "element not found"}},
	}

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.False(t, result.Success)
	assert.Zero(t, result.FieldsFilled)
	assert.NotEmpty(t, result.Warnings)
}

func TestExecuteSolvedChallengeProceeds(t *testing.T) {
	f := newFixture(t)
	f.verifier.state = verify.StateSolved
	f.verifier.challenge = &schemas.VerificationChallenge{Found: true, Type: schemas.ChallengeTurnstile}

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.NeedsManualIntervention)
}

func TestExecuteFillErrorsSurfaceAsWarnings(t *testing.T) {
	f := newFixture(t)
	f.filler.result = &fill.Result{
		Filled: 8,
		Errors: []fill.FieldError{
			{Field: "field_3", Message: "no matching option"},
			{Field: "field_7", Message: "element not found"},
		},
	}

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 8, result.FieldsFilled)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "field_3")
}

func TestExecuteScreenshotFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.tab.shot = nil

	result, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Screenshot)
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	f := newFixture(t)
	f.tab.navErr = errors.New("duplicate application detected for this requester")

	_, err := f.engine.ExecuteWithRetry(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.Equal(t, 1, f.pool.acquires)
}

func TestExecuteWithRetryStopsOnManualIntervention(t *testing.T) {
	f := newFixture(t)
	f.verifier.state = verify.StateUnsolved
	f.verifier.err = errors.New("challenge unsolvable: all solve attempts failed")

	result, err := f.engine.ExecuteWithRetry(context.Background(), testJob(), testProfile())
	require.Error(t, err)
	assert.True(t, result.NeedsManualIntervention)
	assert.Equal(t, 1, f.pool.acquires)
}

func TestStatsCountsFailures(t *testing.T) {
	f := newFixture(t)
	f.pool.err = errors.New("browser crash: session is no longer live")

	_, err := f.engine.Execute(context.Background(), testJob(), testProfile())
	require.Error(t, err)

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Succeeded)
}
