// File: internal/cache/cache_test.go
package cache

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
)

type stubGenerator struct {
	calls  int
	values map[string]string
	err    error
}

func (g *stubGenerator) Generate(_ context.Context, fields []schemas.FieldDescriptor,
	_ schemas.RequesterProfile, _ schemas.TargetContext) (map[string]string, float64, error) {

	g.calls++
	if g.err != nil {
		return nil, 0, g.err
	}
	if g.values != nil {
		return g.values, 0.01, nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name] = "value for " + f.Name
	}
	return out, 0.01, nil
}

func profileAda() schemas.RequesterProfile {
	return schemas.RequesterProfile{
		ID:        "req-ada",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+1-555-0100",
	}
}

func profileGrace() schemas.RequesterProfile {
	return schemas.RequesterProfile{
		ID:        "req-grace",
		FirstName: "Grace",
		LastName:  "Hopper",
		Email:     "grace@example.com",
		Phone:     "+1-555-0101",
	}
}

func fieldSet() []schemas.FieldDescriptor {
	return []schemas.FieldDescriptor{
		{Name: "full_name", Kind: schemas.KindText, Required: true},
		{Name: "email", Kind: schemas.KindText, Required: true},
		{Name: "cover_letter", Kind: schemas.KindTextarea},
	}
}

func TestFieldSignatureIsOrderIndependent(t *testing.T) {
	fields := fieldSet()
	reversed := []schemas.FieldDescriptor{fields[2], fields[0], fields[1]}

	assert.Equal(t, FieldSignature(fields), FieldSignature(reversed))
}

func TestFieldSignatureIgnoresNonStructuralProperties(t *testing.T) {
	a := fieldSet()
	b := fieldSet()
	b[0].Selector = "#different"
	b[0].Label = "Different label"
	b[0].SpecificValue = "other"

	assert.Equal(t, FieldSignature(a), FieldSignature(b))
}

func TestFieldSignatureChangesWithStructure(t *testing.T) {
	a := fieldSet()
	b := fieldSet()
	b[0].Required = false
	assert.NotEqual(t, FieldSignature(a), FieldSignature(b))

	c := fieldSet()
	c[0].Kind = schemas.KindSelect
	assert.NotEqual(t, FieldSignature(a), FieldSignature(c))
}

func TestGetOrGenerateMissThenHit(t *testing.T) {
	gen := &stubGenerator{}
	c := New(gen, time.Hour, 10, zap.NewNop())
	ctx := context.Background()

	values, cost, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)
	assert.Len(t, values, 3)
	assert.Equal(t, 1, gen.calls)

	// Same field structure in a different order still hits.
	fields := fieldSet()
	reordered := []schemas.FieldDescriptor{fields[1], fields[2], fields[0]}
	values, cost, err = c.GetOrGenerate(ctx, reordered, profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Len(t, values, 3)
	assert.Equal(t, 1, gen.calls)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestRequesterIsolation(t *testing.T) {
	gen := &stubGenerator{}
	c := New(gen, time.Hour, 10, zap.NewNop())
	ctx := context.Background()

	_, _, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.NoError(t, err)

	// An identical form for a different requester must not share the entry.
	_, cost, err := c.GetOrGenerate(ctx, fieldSet(), profileGrace(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)
	assert.Equal(t, 2, gen.calls)
}

func TestHitIsPersonalizedForCurrentRequester(t *testing.T) {
	gen := &stubGenerator{values: map[string]string{
		"full_name": "Ada Lovelace",
		"email":     "ada@example.com",
		"pitch":     "I am Ada Lovelace and I would love to join Acme.",
	}}
	c := New(gen, time.Hour, 10, zap.NewNop())
	ctx := context.Background()
	target := schemas.TargetContext{Company: "Acme"}

	_, _, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), target)
	require.NoError(t, err)

	// Same requester, second read: the templated entry round-trips.
	values, cost, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), target)
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Equal(t, "Ada Lovelace", values["full_name"])
	assert.Equal(t, "ada@example.com", values["email"])
	assert.Equal(t, "I am Ada Lovelace and I would love to join Acme.", values["pitch"])
}

func TestExpiredEntryRegenerates(t *testing.T) {
	gen := &stubGenerator{}
	c := New(gen, 10*time.Millisecond, 10, zap.NewNop())
	ctx := context.Background()

	_, _, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, cost, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)
	assert.Equal(t, 2, gen.calls)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestEvictionAtCapacity(t *testing.T) {
	gen := &stubGenerator{}
	c := New(gen, time.Hour, 2, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fields := []schemas.FieldDescriptor{
			{Name: fmt.Sprintf("field_%d", i), Kind: schemas.KindText},
		}
		_, _, err := c.GetOrGenerate(ctx, fields, profileAda(), schemas.TargetContext{})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)

	// The oldest entry was evicted; re-requesting it is a miss.
	_, cost, err := c.GetOrGenerate(ctx,
		[]schemas.FieldDescriptor{{Name: "field_0", Kind: schemas.KindText}},
		profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)

	// The newest entry survived.
	_, cost, err = c.GetOrGenerate(ctx,
		[]schemas.FieldDescriptor{{Name: "field_2", Kind: schemas.KindText}},
		profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestGeneratorErrorIsNotCached(t *testing.T) {
	gen := &stubGenerator{err: errors.New("rate limit exceeded")}
	c := New(gen, time.Hour, 10, zap.NewNop())
	ctx := context.Background()

	_, _, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.Error(t, err)
	assert.Zero(t, c.Stats().Entries)

	gen.err = nil
	_, cost, err := c.GetOrGenerate(ctx, fieldSet(), profileAda(), schemas.TargetContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)
}

func TestTemplatizeReplacesLongestValuesFirst(t *testing.T) {
	profile := profileAda()
	values := map[string]string{
		"pitch": "Ada Lovelace <ada@example.com> writes: I, Ada, apply.",
	}

	templated := templatize(values, profile, schemas.TargetContext{})
	assert.Equal(t, "{{FULL_NAME}} <{{EMAIL}}> writes: I, {{FIRST_NAME}}, apply.", templated["pitch"])

	restored := personalize(templated, profile, schemas.TargetContext{})
	assert.Equal(t, values["pitch"], restored["pitch"])
}
