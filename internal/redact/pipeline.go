package redact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"masquerade/internal/detect"
	"masquerade/internal/ledger"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
	"masquerade/internal/store"
)

// ErrEmptyText is returned when a request carries nothing to redact.
var ErrEmptyText = errors.New("empty text")

// Request is one redaction call.
type Request struct {
	Text      string
	Hint      detect.ContentHint
	SessionID string
	UserID    string
	OrgID     string
}

// EntityRef describes one entity touched by a redaction, without exposing
// the original value. The ID can be used to reference the stored record.
type EntityRef struct {
	ID          string            `json:"id"`
	Type        detect.EntityType `json:"type"`
	Alias       string            `json:"alias"`
	Confidence  float64           `json:"confidence"`
	Occurrences int               `json:"occurrences"`
}

// Result is the outcome of one redaction call.
type Result struct {
	Redacted   string      `json:"redacted"`
	ContextKey string      `json:"context_key"`
	Entities   []EntityRef `json:"entities"`
	Total      int         `json:"total_redactions"`
	// PatternOnly is set when the external detector was unavailable and
	// the result rests on pattern candidates alone.
	PatternOnly bool `json:"pattern_only,omitempty"`
	// Degraded is set when at least one entity was created while the
	// durable store was unreachable.
	Degraded bool `json:"degraded,omitempty"`
}

// Pipeline wires the detection, persistence and substitution stages into
// one redaction call.
type Pipeline struct {
	resolver *Resolver
	patterns *detect.PatternDetector
	external detect.ExternalDetector // nil disables external detection
	entities *store.Store
	sessions *ledger.Ledger
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewPipeline assembles a Pipeline. external may be nil, in which case every
// request runs pattern-only.
func NewPipeline(
	resolver *Resolver,
	patterns *detect.PatternDetector,
	external detect.ExternalDetector,
	entities *store.Store,
	sessions *ledger.Ledger,
	m *metrics.Metrics,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		patterns: patterns,
		external: external,
		entities: entities,
		sessions: sessions,
		metrics:  m,
		log:      log,
	}
}

// Redact runs the full pipeline for one request.
//
// Detection runs pattern and external in parallel; an unavailable external
// detector downgrades the result to pattern-only rather than failing.
// Persistence failures for an already-detected candidate DO fail the
// request: returning text with a known value unmasked is worse than
// returning an error.
func (p *Pipeline) Redact(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	p.metrics.RequestsTotal.Add(1)

	res, err := p.redact(ctx, req)
	if err != nil {
		p.metrics.RequestsFailed.Add(1)
		return nil, err
	}

	p.metrics.RequestsSucceeded.Add(1)
	if res.Degraded {
		p.metrics.RequestsDegraded.Add(1)
	}
	p.metrics.RecordRedactLatency(time.Since(start))
	return res, nil
}

func (p *Pipeline) redact(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	contextKey, err := p.resolver.Resolve(req.SessionID, req.UserID, req.OrgID)
	if err != nil {
		return nil, err
	}

	merged, patternOnly := p.detect(ctx, req.Text, req.Hint)

	entities := make([]*store.Entity, 0, len(merged))
	created := 0
	degraded := false
	for _, cand := range merged {
		e, err := p.entities.GetOrCreate(ctx, contextKey, cand)
		if err != nil {
			return nil, fmt.Errorf("alias %s candidate: %w", cand.Type, err)
		}
		entities = append(entities, e)
		if e.UsageCount == 1 {
			created++
		}
		if e.Degraded() {
			degraded = true
		}
	}

	redacted, summary := Apply(req.Text, entities)
	p.metrics.Redactions.Add(int64(summary.Total))

	refs := make([]EntityRef, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, EntityRef{
			ID:          e.ID,
			Type:        e.Type,
			Alias:       e.Alias,
			Confidence:  e.Confidence,
			Occurrences: summary.Occurrences[e.ID],
		})
	}

	// Ledger updates are eventually consistent with the response.
	go p.sessions.RecordRedaction(contextKey, created, req.UserID, req.OrgID)

	return &Result{
		Redacted:    redacted,
		ContextKey:  contextKey,
		Entities:    refs,
		Total:       summary.Total,
		PatternOnly: patternOnly,
		Degraded:    degraded,
	}, nil
}

// detect runs both detectors in parallel and merges their candidates.
// The returned flag reports whether the external detector contributed.
func (p *Pipeline) detect(ctx context.Context, text string, hint detect.ContentHint) ([]detect.Candidate, bool) {
	var patternCands, externalCands []detect.Candidate
	patternOnly := false

	var g errgroup.Group
	g.Go(func() error {
		patternCands = p.patterns.Detect(text)
		return nil
	})
	if p.external != nil {
		g.Go(func() error {
			p.metrics.ExternalDispatches.Add(1)
			start := time.Now()
			cands, err := p.external.Detect(ctx, text, hint)
			p.metrics.RecordExternalLatency(time.Since(start))
			if err != nil {
				p.metrics.ExternalErrors.Add(1)
				p.metrics.ExternalFallbacks.Add(1)
				p.log.Warnf("external", "detector unavailable, pattern-only fallback: %v", err)
				patternOnly = true
				return nil
			}
			externalCands = cands
			return nil
		})
	} else {
		patternOnly = true
	}
	g.Wait() //nolint:errcheck // goroutines never return errors

	return detect.Merge(patternCands, externalCands), patternOnly
}
