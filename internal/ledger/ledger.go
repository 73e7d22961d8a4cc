// Package ledger records per-context activity for analytics and audit.
//
// Records are best-effort: a write failure is logged and dropped, never
// surfaced to the redaction path. The ledger shares the durable KV with the
// entity store but owns its own bucket.
package ledger

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"masquerade/internal/logger"
	"masquerade/internal/store"
)

// ErrSessionNotFound is returned by Stats for a context with no activity.
var ErrSessionNotFound = errors.New("session not found")

// Session aggregates activity for one context key. It is created lazily on
// the first recorded redaction and never deleted by this package.
type Session struct {
	ContextKey     string    `json:"context_key"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	TotalEntities  uint64    `json:"total_entities"`
	Redactions     uint64    `json:"redactions"`
	UserID         string    `json:"user_id,omitempty"`
	OrgID          string    `json:"org_id,omitempty"`
}

// Ledger is the append-only session recorder.
type Ledger struct {
	kv  store.KV
	log *logger.Logger

	// One writer at a time keeps the read-modify-write cycle consistent.
	// Ledger traffic is one update per request; contention is negligible.
	mu sync.Mutex
}

// New builds a Ledger over the given KV.
func New(kv store.KV, log *logger.Logger) *Ledger {
	return &Ledger{kv: kv, log: log}
}

// RecordRedaction folds one completed redaction call into the context's
// session, creating the session on first sight. Errors are logged, not
// returned.
func (l *Ledger) RecordRedaction(contextKey string, entitiesCreated int, userID, orgID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s, err := l.read(contextKey)
	if errors.Is(err, ErrSessionNotFound) {
		s = &Session{ContextKey: contextKey, CreatedAt: now, UserID: userID, OrgID: orgID}
	} else if err != nil {
		l.log.Warnf("record", "session read failed for context %s: %v", contextKey, err)
		return
	}

	s.LastActivityAt = now
	s.TotalEntities += uint64(entitiesCreated)
	s.Redactions++

	data, err := json.Marshal(s)
	if err != nil {
		l.log.Errorf("record", "session encode failed for context %s: %v", contextKey, err)
		return
	}
	if err := l.kv.Put(store.BucketSessions, contextKey, data); err != nil {
		l.log.Warnf("record", "session write failed for context %s: %v", contextKey, err)
	}
}

// Stats returns the session for contextKey.
func (l *Ledger) Stats(contextKey string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(contextKey)
}

func (l *Ledger) read(contextKey string) (*Session, error) {
	data, err := l.kv.Get(store.BucketSessions, contextKey)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
