// Package store owns entity records: the durable mapping from a detected
// original value to its stable alias within one context.
//
// The layout is two-tier. An in-memory S3-FIFO cache fronts a durable
// key-value backend (bbolt, sqlite, or memory); the backend is always
// authoritative and cache eviction never deletes from it. All writes go
// through Store, which enforces the one-entity-per-(context, normalized
// value) invariant under concurrent creation.
package store

import (
	"encoding/json"
	"time"

	"masquerade/internal/detect"
)

// Entity is one original value → alias mapping, scoped to a context.
// The identity fields (ID, ContextKey, NormalizedValue, Alias) never change
// after creation; only the usage fields do.
type Entity struct {
	ID              string            `json:"id"`
	ContextKey      string            `json:"context_key"`
	OriginalValue   string            `json:"original_value"`
	NormalizedValue string            `json:"normalized_value"`
	Type            detect.EntityType `json:"type"`
	Alias           string            `json:"alias"`
	Confidence      float64           `json:"confidence"`
	CreatedAt       time.Time         `json:"created_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	UsageCount      uint64            `json:"usage_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Degraded reports whether this entity was created while the durable store
// was unreachable. Such entities live only in the cache and may not survive
// eviction or a restart.
func (e *Entity) Degraded() bool {
	return e.Metadata["degraded"] == "true"
}

// clone returns a copy safe to hand to callers; the Metadata map is copied
// so callers cannot mutate the cached record.
func (e *Entity) clone() *Entity {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (e *Entity) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntity(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// entityKey builds the compound lookup key. The separator cannot occur in a
// context key (hex digest) so the mapping is collision-free.
func entityKey(contextKey, normalized string) string {
	return contextKey + "/" + normalized
}

// counterKey addresses the per-type ordinal counter within a context.
func counterKey(contextKey string, typ detect.EntityType) string {
	return contextKey + "/" + string(typ)
}
