// File: internal/generate/client.go

// Package generate is the client for the content generation collaborator. It
// turns field descriptors plus requester/target context into a value map,
// invoked by the response cache only on a miss.
package generate

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client calls the Gemini API to generate per-field values.
type Client struct {
	client      *genai.Client
	model       string
	limiter     *rate.Limiter
	costPerCall float64
	logger      *zap.Logger
}

// NewClient creates a generation client. The API key is required; without it
// the engine cannot resolve cache misses.
func NewClient(ctx context.Context, cfg config.GenerationConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("configuration error: generation api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		client:      client,
		model:       cfg.Model,
		limiter:     rate.NewLimiter(limit, 1),
		costPerCall: cfg.CostPerCall,
		logger:      logger.Named("generation"),
	}, nil
}

// Generate returns a value for every field name, plus the cost of the call.
// Malformed or partial model output degrades to an empty value set rather
// than failing the run.
func (c *Client) Generate(
	ctx context.Context,
	fields []schemas.FieldDescriptor,
	profile schemas.RequesterProfile,
	target schemas.TargetContext,
) (map[string]string, float64, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("generation rate limiter interrupted: %w", err)
	}

	prompt, err := buildPrompt(fields, profile, target)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build generation prompt: %w", err)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, 0, fmt.Errorf("generation call failed: %w", err)
	}

	values := ParseValueMap(resp.Text())
	if len(values) == 0 {
		c.logger.Warn("Generation response yielded no usable values; degrading to empty set.",
			zap.Int("fields", len(fields)))
	}

	return values, c.costPerCall, nil
}

// promptField is the trimmed field shape shown to the model.
type promptField struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

func buildPrompt(fields []schemas.FieldDescriptor, profile schemas.RequesterProfile, target schemas.TargetContext) (string, error) {
	pf := make([]promptField, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		// Radio/checkbox groups collapse to one prompt entry per name.
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		pf = append(pf, promptField{
			Name:     f.Name,
			Kind:     f.Kind.String(),
			Label:    f.Label,
			Required: f.Required,
			Options:  f.Options,
		})
	}

	fieldsJSON, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return "", err
	}
	profileJSON, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return "", err
	}
	targetJSON, err := json.MarshalIndent(target, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are filling a job application form on behalf of an applicant.\n\n")
	b.WriteString("Applicant profile:\n")
	b.Write(profileJSON)
	b.WriteString("\n\nPosition:\n")
	b.Write(targetJSON)
	b.WriteString("\n\nForm fields:\n")
	b.Write(fieldsJSON)
	b.WriteString("\n\nReturn ONLY a JSON object mapping every field name to its value as a string. ")
	b.WriteString("For select fields pick one of the listed options verbatim. ")
	b.WriteString("For checkbox fields answer \"true\" or \"false\", or a JSON array of the values to check. ")
	b.WriteString("Leave a field out if no sensible value exists.")

	return b.String(), nil
}

// ParseValueMap leniently decodes the model's response into a string value
// map. It tolerates code fences, leading prose, and non-string values
// (numbers, booleans, and arrays are stringified). Anything unusable yields
// an empty map.
func ParseValueMap(text string) map[string]string {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]string{}
	}

	// Strip markdown fences and any prose around the object.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var raw map[string]interface{}
	if err := json.UnmarshalFromString(text, &raw); err != nil {
		return map[string]string{}
	}

	values := make(map[string]string, len(raw))
	for name, v := range raw {
		switch tv := v.(type) {
		case string:
			if tv != "" {
				values[name] = tv
			}
		case bool:
			values[name] = fmt.Sprintf("%t", tv)
		case float64:
			values[name] = strings.TrimSuffix(fmt.Sprintf("%v", tv), ".0")
		case []interface{}:
			// Arrays stay JSON-encoded; the filler understands membership
			// values for checkbox groups.
			if encoded, err := json.MarshalToString(tv); err == nil {
				values[name] = encoded
			}
		case nil:
			// Skip.
		default:
			if encoded, err := json.MarshalToString(tv); err == nil {
				values[name] = encoded
			}
		}
	}
	return values
}
