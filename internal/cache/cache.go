// File: internal/cache/cache.go

// Package cache maps a stable signature of (field structure, requester
// identity) to previously generated field values. Entries are stored in a
// templated form with personal data replaced by named placeholders, so one
// generation result can serve every requester whose form is structurally
// identical.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

// Generator is the content generation collaborator, invoked only on a miss.
type Generator interface {
	// Generate returns a value per field plus the cost of the call.
	Generate(ctx context.Context, fields []schemas.FieldDescriptor, profile schemas.RequesterProfile, target schemas.TargetContext) (map[string]string, float64, error)
}

// entry is one templated cache record.
type entry struct {
	values    map[string]string
	fields    []schemas.FieldDescriptor
	createdAt time.Time
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Entries   int
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResponseCache is a TTL-bounded, size-bounded cache of generated field
// values. It is shared by all concurrent runs; all access goes through the
// mutex.
type ResponseCache struct {
	generator  Generator
	logger     *zap.Logger
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*entry

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// New creates a response cache backed by the given generator.
func New(generator Generator, ttl time.Duration, maxEntries int, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		generator:  generator,
		logger:     logger.Named("response_cache"),
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

// FieldSignature computes an order-independent structural hash of a field
// set. Only structural properties participate; values never do.
func FieldSignature(fields []schemas.FieldDescriptor) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s|%s|%t", f.Name, f.Kind, f.Required))
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// cacheKey combines the structural signature with a hashed requester
// identity so two requesters never share an entry.
func cacheKey(signature, requesterID string) string {
	idSum := sha256.Sum256([]byte(requesterID))
	return signature + ":" + hex.EncodeToString(idSum[:8])
}

// GetOrGenerate resolves a value map for the field set, serving from cache
// when a fresh entry exists and calling the generator otherwise. The
// returned cost is zero on a hit.
func (c *ResponseCache) GetOrGenerate(
	ctx context.Context,
	fields []schemas.FieldDescriptor,
	profile schemas.RequesterProfile,
	target schemas.TargetContext,
) (map[string]string, float64, error) {

	key := cacheKey(FieldSignature(fields), profile.ID)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Since(e.createdAt) <= c.ttl {
			c.hits++
			templated := cloneValues(e.values)
			c.mu.Unlock()
			c.logger.Debug("Cache hit.", zap.String("key", key[:16]), zap.Int("fields", len(fields)))
			return personalize(templated, profile, target), 0, nil
		}
		// Expired entries are removed eagerly and treated as a miss.
		delete(c.entries, key)
		c.expired++
	}
	c.misses++
	c.mu.Unlock()

	values, cost, err := c.generator.Generate(ctx, fields, profile, target)
	if err != nil {
		return nil, 0, err
	}

	c.store(key, templatize(values, profile, target), fields)
	return values, cost, nil
}

// store inserts a templated entry, evicting the oldest entry when full.
func (c *ResponseCache) store(key string, templated map[string]string, fields []schemas.FieldDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.createdAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.createdAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	snapshot := make([]schemas.FieldDescriptor, len(fields))
	copy(snapshot, fields)

	c.entries[key] = &entry{
		values:    templated,
		fields:    snapshot,
		createdAt: time.Now(),
	}
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Entries:   len(c.entries),
	}
}

// placeholder names for the personal tokens substituted in templated entries.
const (
	phFullName  = "{{FULL_NAME}}"
	phFirstName = "{{FIRST_NAME}}"
	phLastName  = "{{LAST_NAME}}"
	phEmail     = "{{EMAIL}}"
	phPhone     = "{{PHONE}}"
	phLocation  = "{{LOCATION}}"
	phLinkedIn  = "{{LINKEDIN}}"
	phWebsite   = "{{WEBSITE}}"
	phCompany   = "{{COMPANY}}"
	phPosition  = "{{POSITION}}"
)

// substitution pairs ordered longest-value-first so composite tokens (full
// name) are replaced before their components.
func substitutions(profile schemas.RequesterProfile, target schemas.TargetContext) [][2]string {
	pairs := [][2]string{
		{profile.FullName(), phFullName},
		{profile.Email, phEmail},
		{profile.Phone, phPhone},
		{profile.LinkedIn, phLinkedIn},
		{profile.Website, phWebsite},
		{profile.Location, phLocation},
		{profile.FirstName, phFirstName},
		{profile.LastName, phLastName},
		{target.Company, phCompany},
		{target.Position, phPosition},
	}

	out := pairs[:0]
	for _, p := range pairs {
		if p[0] != "" {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i][0]) > len(out[j][0]) })
	return out
}

// templatize replaces the requester's and target's concrete values with
// named placeholders (applied at write time).
func templatize(values map[string]string, profile schemas.RequesterProfile, target schemas.TargetContext) map[string]string {
	subs := substitutions(profile, target)
	out := make(map[string]string, len(values))
	for name, v := range values {
		for _, s := range subs {
			v = strings.ReplaceAll(v, s[0], s[1])
		}
		out[name] = v
	}
	return out
}

// personalize substitutes the current requester's and target's concrete
// values back into a templated entry (applied at read time).
func personalize(templated map[string]string, profile schemas.RequesterProfile, target schemas.TargetContext) map[string]string {
	subs := substitutions(profile, target)
	out := make(map[string]string, len(templated))
	for name, v := range templated {
		for _, s := range subs {
			v = strings.ReplaceAll(v, s[1], s[0])
		}
		out[name] = v
	}
	return out
}

func cloneValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
