// File: internal/engine/engine.go

// Package engine orchestrates one application run end to end: borrow a tab,
// navigate, extract the form, clear any verification gate, resolve values,
// fill, and capture the confirmation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/browser"
	"github.com/formforge/autoapply/internal/cache"
	"github.com/formforge/autoapply/internal/classify"
	"github.com/formforge/autoapply/internal/fill"
	"github.com/formforge/autoapply/internal/verify"
)

// TabPool is the slice of the session pool the engine needs.
type TabPool interface {
	Acquire(ctx context.Context) (browser.Tab, error)
	Release(ctx context.Context, tab browser.Tab)
	Stats() browser.PoolStats
}

// Extractor enumerates fillable fields on a surface.
type Extractor interface {
	Extract(ctx context.Context, surface schemas.Surface) (*schemas.ExtractionResult, error)
}

// ValueResolver produces a value map for a field set, from cache or fresh
// generation.
type ValueResolver interface {
	GetOrGenerate(ctx context.Context, fields []schemas.FieldDescriptor,
		profile schemas.RequesterProfile, target schemas.TargetContext) (map[string]string, float64, error)
	Stats() cache.Stats
}

// ChallengeHandler detects and resolves verification challenges.
type ChallengeHandler interface {
	Handle(ctx context.Context, surface schemas.Surface, pageURL string) (verify.State, *schemas.VerificationChallenge, error)
}

// FormFiller applies a value map to a surface.
type FormFiller interface {
	FillWithRetry(ctx context.Context, surface schemas.Surface,
		fields []schemas.FieldDescriptor, values map[string]string) (*fill.Result, error)
}

// Stats are running totals over the engine's lifetime.
type Stats struct {
	Processed       int64         `json:"processed"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	TotalCost       float64       `json:"total_cost"`
	AverageCost     float64       `json:"average_cost"`
	AverageDuration time.Duration `json:"average_duration"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	PoolUtilization float64       `json:"pool_utilization"`
	Cache           cache.Stats   `json:"cache"`
}

// Engine runs applications against live pages.
type Engine struct {
	pool      TabPool
	extractor Extractor
	resolver  ValueResolver
	verifier  ChallengeHandler
	filler    FormFiller
	logger    *zap.Logger

	mu        sync.Mutex
	processed int64
	succeeded int64
	failed    int64
	totalCost float64
	totalTime time.Duration
}

// New wires the engine from its collaborators.
func New(pool TabPool, extractor Extractor, resolver ValueResolver,
	verifier ChallengeHandler, filler FormFiller, logger *zap.Logger) *Engine {

	return &Engine{
		pool:      pool,
		extractor: extractor,
		resolver:  resolver,
		verifier:  verifier,
		filler:    filler,
		logger:    logger.Named("engine"),
	}
}

// Execute performs one application attempt. The returned result always
// carries whatever was accomplished before a failure; err is non-nil only
// when the run did not complete.
func (e *Engine) Execute(ctx context.Context, job schemas.JobPayload, profile schemas.RequesterProfile) (*schemas.ApplicationResult, error) {
	start := time.Now()
	result := &schemas.ApplicationResult{}
	log := e.logger.With(
		zap.String("application_id", job.ApplicationID),
		zap.String("target_url", job.TargetURL),
	)

	finish := func(err error) (*schemas.ApplicationResult, error) {
		result.Duration = time.Since(start)
		e.record(result, err)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
		result.Success = true
		return result, nil
	}

	if !profile.Complete() {
		return finish(fmt.Errorf("incomplete profile: requester %s is missing required fields", job.RequesterID))
	}

	tab, err := e.pool.Acquire(ctx)
	if err != nil {
		return finish(err)
	}
	defer e.pool.Release(ctx, tab)

	if err := tab.Navigate(ctx, job.TargetURL); err != nil {
		return finish(err)
	}

	extraction, err := e.extractor.Extract(ctx, tab)
	if err != nil {
		return finish(fmt.Errorf("field extraction failed: %w", err))
	}
	result.FieldsExtracted = len(extraction.Fields)
	if len(extraction.Fields) == 0 {
		return finish(fmt.Errorf("no form found at %s", job.TargetURL))
	}
	log.Info("Fields extracted.",
		zap.Int("count", len(extraction.Fields)),
		zap.String("complexity", extraction.Complexity.String()),
		zap.Bool("challenge", extraction.HasVerificationChallenge))

	state, challenge, err := e.verifier.Handle(ctx, tab, job.TargetURL)
	switch state {
	case verify.StateNoChallenge, verify.StateSolved:
		// Detection itself can fail without a challenge ever being seen.
		if err != nil {
			return finish(err)
		}
	default:
		// Detected but not cleared. The run cannot proceed automatically.
		result.NeedsManualIntervention = true
		if challenge != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("verification challenge (%s) was not solved", challenge.Type))
		}
		// Operators resolving the challenge by hand need to see the page.
		if shot, shotErr := tab.CaptureScreenshot(ctx); shotErr != nil {
			log.Warn("Failed to capture challenge screenshot.", zap.Error(shotErr))
		} else {
			result.Screenshot = shot
		}
		if err == nil {
			err = fmt.Errorf("challenge unsolvable: verification gate not cleared")
		}
		return finish(err)
	}

	values, cost, err := e.resolver.GetOrGenerate(ctx, extraction.Fields, profile, targetContext(job))
	if err != nil {
		return finish(fmt.Errorf("value resolution failed: %w", err))
	}
	result.Cost = cost

	fillResult, err := e.filler.FillWithRetry(ctx, tab, extraction.Fields, values)
	if err != nil {
		return finish(fmt.Errorf("form fill failed: %w", err))
	}
	result.FieldsFilled = fillResult.Filled
	for _, fe := range fillResult.Errors {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("field %s was not filled: %s", fe.Field, fe.Message))
	}
	if fillResult.Filled == 0 {
		return finish(fmt.Errorf("validation failed: none of %d extracted fields could be filled", len(extraction.Fields)))
	}

	if shot, shotErr := tab.CaptureScreenshot(ctx); shotErr != nil {
		log.Warn("Failed to capture confirmation screenshot.", zap.Error(shotErr))
	} else {
		result.Screenshot = shot
	}

	log.Info("Application run completed.",
		zap.Int("filled", result.FieldsFilled),
		zap.Int("extracted", result.FieldsExtracted),
		zap.Float64("cost", cost),
		zap.Duration("duration", time.Since(start)))
	return finish(nil)
}

// ExecuteWithRetry runs Execute, retrying per the failure taxonomy with
// exponential backoff. It returns the last result and error.
func (e *Engine) ExecuteWithRetry(ctx context.Context, job schemas.JobPayload, profile schemas.RequesterProfile) (*schemas.ApplicationResult, error) {
	var result *schemas.ApplicationResult
	var err error

	for attempt := 0; ; attempt++ {
		result, err = e.Execute(ctx, job, profile)
		if err == nil || result.NeedsManualIntervention {
			return result, err
		}

		retry, delay := classify.ShouldRetry(err, attempt+1)
		if !retry {
			return result, err
		}

		c := classify.Classify(err)
		e.logger.Warn("Retrying application run.",
			zap.String("application_id", job.ApplicationID),
			zap.String("failure_kind", string(c.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, err
		}
	}
}

// Stats returns the engine's running totals, the current cache hit rate,
// and pool occupancy.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Processed: e.processed,
		Succeeded: e.succeeded,
		Failed:    e.failed,
		TotalCost: e.totalCost,
	}
	if e.processed > 0 {
		s.SuccessRate = float64(e.succeeded) / float64(e.processed)
		s.AverageCost = e.totalCost / float64(e.processed)
		s.AverageDuration = e.totalTime / time.Duration(e.processed)
	}
	e.mu.Unlock()

	s.Cache = e.resolver.Stats()
	s.CacheHitRate = s.Cache.HitRate()
	s.PoolUtilization = e.pool.Stats().Utilization()
	return s
}

func (e *Engine) record(result *schemas.ApplicationResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed++
	e.totalCost += result.Cost
	e.totalTime += result.Duration
	if err == nil {
		e.succeeded++
	} else {
		e.failed++
	}
}

func targetContext(job schemas.JobPayload) schemas.TargetContext {
	return schemas.TargetContext{
		URL:  job.TargetURL,
		Kind: job.TargetKind,
	}
}
