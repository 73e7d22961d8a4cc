// Package api provides the HTTP surface of the redaction service.
//
// Endpoints:
//
//	POST /redact              - redact one text {"text":"...", "session_id":...}
//	GET  /status              - service health, detector configuration
//	GET  /metrics             - runtime counters
//	GET  /sessions/{context}  - per-context ledger statistics
//	POST /patterns/add        - add a custom detection rule
//	POST /patterns/remove     - remove a custom detection rule by expression
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"masquerade/internal/detect"
)

// PatternRegistry holds the mutable set of custom detection rules.
// It is shared between the API server and the pattern detector; every
// change recompiles the detector's custom rule set. Changes are persisted
// to disk via atomic file writes so they survive restarts.
type PatternRegistry struct {
	mu          sync.RWMutex
	rules       map[string]detect.Rule // keyed by expression
	detector    *detect.PatternDetector
	persistPath string // empty = no persistence
}

// NewPatternRegistry creates a registry bound to the given detector.
// If persistPath is non-empty and the file exists, its rules are loaded and
// applied immediately.
func NewPatternRegistry(detector *detect.PatternDetector, persistPath string) *PatternRegistry {
	r := &PatternRegistry{
		rules:       make(map[string]detect.Rule),
		detector:    detector,
		persistPath: persistPath,
	}

	if persistPath != "" {
		rules, err := r.loadFromDisk()
		switch {
		case err == nil:
			for _, rule := range rules {
				r.rules[rule.Expr] = rule
			}
			detector.SetCustomRules(rules)
			log.Printf("[PATTERNS] Loaded %d custom rules from %s", len(rules), persistPath)
		case !os.IsNotExist(err):
			log.Printf("[PATTERNS] Warning: failed to load %s: %v (starting empty)", persistPath, err)
		}
	}
	return r
}

// Add registers a custom rule, applies it to the detector and persists the
// new set to disk.
func (r *PatternRegistry) Add(rule detect.Rule) {
	r.mu.Lock()
	r.rules[rule.Expr] = rule
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.detector.SetCustomRules(snapshot)
	r.persist(snapshot)
}

// Remove deletes the rule with the given expression, if present.
func (r *PatternRegistry) Remove(expr string) {
	r.mu.Lock()
	delete(r.rules, expr)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.detector.SetCustomRules(snapshot)
	r.persist(snapshot)
}

// All returns the current rule set, sorted by expression.
func (r *PatternRegistry) All() []detect.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked returns a sorted copy of the current rule set.
// Caller must hold r.mu.
func (r *PatternRegistry) snapshotLocked() []detect.Rule {
	out := make([]detect.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expr < out[j].Expr })
	return out
}

// loadFromDisk reads the persisted rule list from disk.
func (r *PatternRegistry) loadFromDisk() ([]detect.Rule, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var rules []detect.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return rules, nil
}

// persist writes the given rule snapshot to disk atomically.
// It does NOT hold r.mu, so it won't block detection.
func (r *PatternRegistry) persist(rules []detect.Rule) {
	if r.persistPath == "" {
		return
	}

	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		log.Printf("[PATTERNS] Marshal error: %v", err)
		return
	}

	// Atomic write: temp file → rename
	dir := filepath.Dir(r.persistPath)
	tmp, err := os.CreateTemp(dir, ".masquerade-patterns-*.tmp")
	if err != nil {
		log.Printf("[PATTERNS] Persist error (create temp): %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		log.Printf("[PATTERNS] Persist error (write): %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		log.Printf("[PATTERNS] Persist error (close): %v", err)
		return
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil { // #nosec G703 -- paths from trusted config
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		log.Printf("[PATTERNS] Persist error (rename): %v", err)
		return
	}
}
