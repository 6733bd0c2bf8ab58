// File: internal/extract/extractor.go

// Package extract inspects a loaded target surface and produces a normalized
// list of fillable fields plus a verification-challenge flag and a coarse
// complexity score.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

// rawField mirrors the JSON shape produced by the enumeration script.
type rawField struct {
	Selector      string   `json:"selector"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Required      bool     `json:"required"`
	SpecificValue string   `json:"specificValue"`
	Label         string   `json:"label"`
	Options       []string `json:"options"`
}

type rawExtraction struct {
	Fields       []rawField `json:"fields"`
	HasChallenge bool       `json:"hasChallenge"`
}

// Extractor enumerates interactive input-capable elements on a surface.
type Extractor struct {
	logger *zap.Logger
}

// New creates an extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extractor")}
}

// Extract enumerates all visible fillable elements, classifies each by kind,
// and reports whether a verification challenge is present. Challenge
// detection here is a cheap marker check; the verification handler performs
// the full inspection.
func (e *Extractor) Extract(ctx context.Context, surface schemas.Surface) (*schemas.ExtractionResult, error) {
	var raw rawExtraction
	if err := surface.Evaluate(ctx, enumerateFieldsScript, &raw); err != nil {
		return nil, fmt.Errorf("field enumeration script failed: %w", err)
	}

	fields := make([]schemas.FieldDescriptor, 0, len(raw.Fields))
	for _, rf := range raw.Fields {
		if rf.Name == "" || rf.Selector == "" {
			continue
		}
		kind, _ := schemas.ParseFieldKind(rf.Kind)
		fields = append(fields, schemas.FieldDescriptor{
			Selector:      rf.Selector,
			Name:          rf.Name,
			Kind:          kind,
			Required:      rf.Required,
			SpecificValue: rf.SpecificValue,
			Label:         rf.Label,
			Options:       rf.Options,
		})
	}

	result := &schemas.ExtractionResult{
		Fields:                   fields,
		HasVerificationChallenge: raw.HasChallenge,
		Complexity:               ScoreComplexity(fields),
	}

	e.logger.Debug("Extraction complete.",
		zap.Int("fields", len(fields)),
		zap.Bool("challenge", raw.HasChallenge),
		zap.String("complexity", result.Complexity.String()))

	return result, nil
}

// ScoreComplexity derives a coarse score from field count and the presence
// of essay-style fields. Reporting only; never used for control flow.
func ScoreComplexity(fields []schemas.FieldDescriptor) schemas.Complexity {
	essays := 0
	for _, f := range fields {
		if f.Kind == schemas.KindTextarea {
			essays++
		}
	}

	score := len(fields) + 5*essays
	switch {
	case score < 8:
		return schemas.ComplexityLow
	case score < 20:
		return schemas.ComplexityMedium
	default:
		return schemas.ComplexityHigh
	}
}
