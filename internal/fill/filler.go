// File: internal/fill/filler.go

// Package fill applies a resolved value set to a target surface's fields in
// one batched script pass, using per-kind strategies, and reports structured
// per-field success/failure.
package fill

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FieldError records one field that could not be filled.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of one fill pass.
type Result struct {
	Filled   int
	Skipped  int
	Errors   []FieldError
	Duration time.Duration
}

// task is the per-field instruction shipped to the page script.
type task struct {
	Selector         string `json:"selector"`
	FallbackSelector string `json:"fallbackSelector"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	Value            string `json:"value"`
	SpecificValue    string `json:"specificValue"`
	Check            bool   `json:"check"`
}

// taskOutcome mirrors the JSON result rows produced by the fill script.
type taskOutcome struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	Error   string `json:"error"`
}

// Filler performs batched form filling on a surface.
type Filler struct {
	logger *zap.Logger
}

// New creates a filler.
func New(logger *zap.Logger) *Filler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filler{logger: logger.Named("filler")}
}

// FillAll applies the value map to every field in a single batched pass.
// Fields without a resolved value are skipped, not errored. Per-field
// failures are collected; the batch never aborts on one bad field.
func (f *Filler) FillAll(
	ctx context.Context,
	surface schemas.Surface,
	fields []schemas.FieldDescriptor,
	values map[string]string,
) (*Result, error) {

	start := time.Now()
	result := &Result{}

	tasks := make([]task, 0, len(fields))
	for _, fd := range fields {
		value, ok := values[fd.Name]
		if !ok || value == "" {
			result.Skipped++
			continue
		}
		tasks = append(tasks, buildTask(fd, value))
	}

	if len(tasks) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	payload, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fill tasks: %w", err)
	}

	var outcomes []taskOutcome
	script := fmt.Sprintf(fillScript, string(payload))
	if err := surface.Evaluate(ctx, script, &outcomes); err != nil {
		return nil, fmt.Errorf("fill script failed: %w", err)
	}

	for _, o := range outcomes {
		switch {
		case o.Skipped:
			result.Skipped++
		case o.OK:
			result.Filled++
		default:
			result.Errors = append(result.Errors, FieldError{Field: o.Name, Message: o.Error})
		}
	}

	result.Duration = time.Since(start)
	f.logger.Debug("Fill pass complete.",
		zap.Int("filled", result.Filled),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// maxFillAttempts bounds FillWithRetry, counting the initial pass.
const maxFillAttempts = 2

// FillWithRetry wraps FillAll, retrying once over only the fields that
// failed in the previous pass. The retry subset comes from the structured
// per-field errors, never from parsing messages.
func (f *Filler) FillWithRetry(
	ctx context.Context,
	surface schemas.Surface,
	fields []schemas.FieldDescriptor,
	values map[string]string,
) (*Result, error) {

	start := time.Now()

	total, err := f.FillAll(ctx, surface, fields, values)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt < maxFillAttempts && len(total.Errors) > 0; attempt++ {
		retryFields := selectFields(fields, total.Errors)
		if len(retryFields) == 0 {
			break
		}

		f.logger.Debug("Retrying failed fields.", zap.Int("count", len(retryFields)), zap.Int("attempt", attempt+1))

		retry, err := f.FillAll(ctx, surface, retryFields, values)
		if err != nil {
			return nil, err
		}

		total.Filled += retry.Filled
		total.Skipped += retry.Skipped
		total.Errors = retry.Errors
	}

	total.Duration = time.Since(start)
	return total, nil
}

// selectFields returns the descriptors whose names appear in the error list.
func selectFields(fields []schemas.FieldDescriptor, errs []FieldError) []schemas.FieldDescriptor {
	failed := make(map[string]bool, len(errs))
	for _, e := range errs {
		failed[e.Field] = true
	}

	var out []schemas.FieldDescriptor
	for _, fd := range fields {
		if failed[fd.Name] {
			out = append(out, fd)
		}
	}
	return out
}

// buildTask prepares the page-side instruction for one field, including the
// attribute-based fallback selector and the checkbox coercion decision.
func buildTask(fd schemas.FieldDescriptor, value string) task {
	t := task{
		Selector:         fd.Selector,
		FallbackSelector: fallbackSelector(fd),
		Name:             fd.Name,
		Kind:             fd.Kind.String(),
		Value:            value,
		SpecificValue:    fd.SpecificValue,
	}
	if fd.Kind == schemas.KindCheckbox {
		t.Check = TruthyValue(value, fd.SpecificValue)
	}
	return t
}

// fallbackSelector builds the attribute-based selector tried once when the
// primary selector no longer resolves.
func fallbackSelector(fd schemas.FieldDescriptor) string {
	switch fd.Kind {
	case schemas.KindRadio, schemas.KindCheckbox:
		if fd.SpecificValue != "" {
			return fmt.Sprintf(`input[name="%s"][value="%s"]`, fd.Name, fd.SpecificValue)
		}
		return fmt.Sprintf(`input[name="%s"]`, fd.Name)
	case schemas.KindSelect:
		return fmt.Sprintf(`select[name="%s"]`, fd.Name)
	case schemas.KindTextarea:
		return fmt.Sprintf(`textarea[name="%s"]`, fd.Name)
	case schemas.KindText, schemas.KindOther:
		return fmt.Sprintf(`[name="%s"]`, fd.Name)
	default:
		return fmt.Sprintf(`[name="%s"]`, fd.Name)
	}
}

// TruthyValue computes the checkbox state from the several representations a
// generated value may take: boolean-ish strings, or membership of the
// descriptor's specific value inside a JSON array value.
func TruthyValue(value, specificValue string) bool {
	switch value {
	case "true", "yes", "1", "Yes", "TRUE", "True", "YES", "on":
		return true
	}

	// A JSON array value means "check the boxes whose value is listed".
	if len(value) > 0 && value[0] == '[' {
		var items []string
		if err := json.Unmarshal([]byte(value), &items); err == nil {
			for _, item := range items {
				if item == specificValue {
					return true
				}
			}
		}
	}

	return false
}
