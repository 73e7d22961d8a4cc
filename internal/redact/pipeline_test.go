package redact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masquerade/internal/alias"
	"masquerade/internal/detect"
	"masquerade/internal/ledger"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
	"masquerade/internal/store"
)

// stubExternal is a canned ExternalDetector.
type stubExternal struct {
	cands []detect.Candidate
	err   error
}

func (s *stubExternal) Detect(ctx context.Context, text string, hint detect.ContentHint) ([]detect.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	// Only report candidates actually present, like a real detector would.
	var out []detect.Candidate
	for _, c := range s.cands {
		if strings.Contains(strings.ToLower(text), strings.ToLower(c.Value)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestPipeline(t *testing.T, external detect.ExternalDetector) *Pipeline {
	t.Helper()
	log := logger.New("redact", "error")
	m := metrics.New()
	kv := store.NewMemoryKV()
	entities := store.New(kv, alias.NewGenerator(alias.StrategyCounter),
		store.Options{CacheSize: 100, CacheTTL: time.Hour}, m, log)
	sessions := ledger.New(kv, log)
	return NewPipeline(NewResolver(), detect.NewPatternDetector(log), external, entities, sessions, m, log)
}

func personDetector(names ...string) *stubExternal {
	s := &stubExternal{}
	for _, n := range names {
		s.cands = append(s.cands, detect.Candidate{
			Type: detect.TypePerson, Value: n, Confidence: 0.95, Source: detect.SourceExternal,
		})
	}
	return s
}

func TestRedactStableAliasesAcrossCalls(t *testing.T) {
	p := newTestPipeline(t, personDetector("John Smith"))
	ctx := context.Background()

	req := Request{
		Text:      "John Smith's email is john@example.com",
		SessionID: "s1",
	}
	first, err := p.Redact(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "[PERSON_1]'s email is [EMAIL_1]", first.Redacted)

	req.Text = "please reach John Smith at john@example.com"
	second, err := p.Redact(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "please reach [PERSON_1] at [EMAIL_1]", second.Redacted,
		"repeat values in the same session keep their aliases")
}

func TestRedactContextIsolation(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	a, err := p.Redact(ctx, Request{Text: "mail shared@example.com", SessionID: "s1"})
	require.NoError(t, err)
	b, err := p.Redact(ctx, Request{Text: "mail shared@example.com", SessionID: "s2"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ContextKey, b.ContextKey)
	require.Len(t, a.Entities, 1)
	require.Len(t, b.Entities, 1)
	assert.NotEqual(t, a.Entities[0].ID, b.Entities[0].ID,
		"the same value in different sessions is a different entity")
}

func TestRedactIdempotent(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	first, err := p.Redact(ctx, Request{Text: "ssn 123-45-6789 on file", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, first.Total)

	second, err := p.Redact(ctx, Request{Text: first.Redacted, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, first.Redacted, second.Redacted)
	assert.Zero(t, second.Total)
}

func TestRedactNestedValues(t *testing.T) {
	p := newTestPipeline(t, personDetector("John Smith", "John"))
	ctx := context.Background()

	res, err := p.Redact(ctx, Request{Text: "John Smith prefers John.", SessionID: "s1"})
	require.NoError(t, err)
	assert.NotContains(t, res.Redacted, "John", "no fragment of a name may survive")
	assert.False(t, ContainsOriginal(res.Redacted, nil))
}

func TestRedactExternalUnavailableFallsBack(t *testing.T) {
	p := newTestPipeline(t, &stubExternal{err: detect.ErrDetectionUnavailable})
	ctx := context.Background()

	res, err := p.Redact(ctx, Request{Text: "reach alice@example.com", SessionID: "s1"})
	require.NoError(t, err, "external outage must not fail the request")
	assert.True(t, res.PatternOnly)
	assert.Equal(t, "reach [EMAIL_1]", res.Redacted, "pattern candidates still apply")
}

func TestRedactNoExternalDetector(t *testing.T) {
	p := newTestPipeline(t, nil)

	res, err := p.Redact(context.Background(), Request{Text: "mail bob@x.io", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.PatternOnly)
	assert.Equal(t, "mail [EMAIL_1]", res.Redacted)
}

func TestRedactEmptyText(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Redact(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestRedactInvalidContext(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Redact(context.Background(), Request{Text: "mail bob@x.io", SessionID: "bad session"})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestRedactReportsEntityRefs(t *testing.T) {
	p := newTestPipeline(t, nil)

	res, err := p.Redact(context.Background(), Request{
		Text:      "alice@example.com wrote to alice@example.com and bob@example.com",
		SessionID: "s1",
	})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	assert.Equal(t, 3, res.Total)

	byAlias := map[string]EntityRef{}
	for _, ref := range res.Entities {
		byAlias[ref.Alias] = ref
		assert.NotEmpty(t, ref.ID)
		assert.Equal(t, detect.TypeEmail, ref.Type)
	}
	assert.Equal(t, 2, byAlias["[EMAIL_1]"].Occurrences)
	assert.Equal(t, 1, byAlias["[EMAIL_2]"].Occurrences)
}

func TestRedactRecordsLedger(t *testing.T) {
	log := logger.New("redact", "error")
	m := metrics.New()
	kv := store.NewMemoryKV()
	entities := store.New(kv, alias.NewGenerator(alias.StrategyCounter),
		store.Options{CacheSize: 100, CacheTTL: time.Hour}, m, log)
	sessions := ledger.New(kv, log)
	p := NewPipeline(NewResolver(), detect.NewPatternDetector(log), nil, entities, sessions, m, log)

	res, err := p.Redact(context.Background(), Request{Text: "mail carol@x.io", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)

	// Ledger writes are asynchronous; wait for the record to land.
	require.Eventually(t, func() bool {
		_, err := sessions.Stats(res.ContextKey)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s, err := sessions.Stats(res.ContextKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.TotalEntities)
	assert.Equal(t, "u1", s.UserID)
}
