package detect

import (
	"regexp"
	"sort"
	"sync"

	"masquerade/internal/logger"
)

// Rule pairs a regular expression with the entity type and confidence it
// detects. Custom rules added at runtime use the same shape.
type Rule struct {
	Type       EntityType `json:"type"`
	Expr       string     `json:"expr"`
	Confidence float64    `json:"confidence"`
}

// pattern is a compiled Rule.
type pattern struct {
	re         *regexp.Regexp
	entityType EntityType
	confidence float64
}

// builtinRules is the startup rule table. Confidence reflects how often the
// expression fires on non-sensitive text: structured formats score high, the
// two-capitalized-words person heuristic scores low and relies on the
// external detector for confirmation.
var builtinRules = []Rule{
	{TypeEmail, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, 0.95},
	{TypeSSN, `\b\d{3}-\d{2}-\d{4}\b`, 0.90},
	{TypeCreditCard, `\b\d{4}[\-\s]?\d{4}[\-\s]?\d{4}[\-\s]?\d{4}\b`, 0.85},
	{TypePhone, `(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})`, 0.65},
	{TypeAPIKey, `\b(?:sk-|pk-|ghp_|gho_|ghu_|ghs_|ghr_)[A-Za-z0-9]{20,}\b`, 0.90},
	{TypeAPIKey, `\bAKIA[0-9A-Z]{16}\b`, 0.95},
	{TypeJWT, `\beyJ[A-Za-z0-9\-_=]+\.[A-Za-z0-9\-_=]+\.[A-Za-z0-9\-_.+/=]*\b`, 0.95},
	{TypeDatabaseURL, `\b(?:postgresql|postgres|mysql|mongodb|redis)://[^\s]+\b`, 0.90},
	{TypeIPAddress, `\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, 0.70},
	{TypeMACAddress, `\b(?:[0-9A-Fa-f]{2}[:\-]){5}[0-9A-Fa-f]{2}\b`, 0.80},
	{TypePrivateKey, `-----BEGIN (?:RSA |DSA |EC )?PRIVATE KEY-----`, 0.95},
	{TypePerson, `\b[A-Z][a-z]+ [A-Z][a-z]+\b`, 0.50},
}

// PatternDetector is the stateless regex scanner. Built-in rules are
// compiled once at construction; custom rules may be swapped in at runtime
// (SetCustomRules) and are scanned after the built-ins.
type PatternDetector struct {
	patterns []pattern

	customMu sync.RWMutex
	custom   []pattern
	log      *logger.Logger
}

// NewPatternDetector compiles the built-in rule table. Rules that fail to
// compile are logged and skipped; a bad expression never fails construction
// or a later scan.
func NewPatternDetector(log *logger.Logger) *PatternDetector {
	d := &PatternDetector{log: log}
	d.patterns = compileRules(builtinRules, log)
	return d
}

// SetCustomRules replaces the runtime custom rule set. Invalid expressions
// are dropped with a log line; the remainder take effect immediately.
func (d *PatternDetector) SetCustomRules(rules []Rule) {
	compiled := compileRules(rules, d.log)
	d.customMu.Lock()
	d.custom = compiled
	d.customMu.Unlock()
}

func compileRules(rules []Rule, log *logger.Logger) []pattern {
	out := make([]pattern, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			if log != nil {
				log.Warnf("pattern_compile", "skipping %q: %v", r.Expr, err)
			}
			continue
		}
		typ := r.Type
		if !ValidType(typ) {
			typ = TypeCustom
		}
		conf := r.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.8
		}
		out = append(out, pattern{re: re, entityType: typ, confidence: conf})
	}
	return out
}

// Detect scans text and returns every pattern match as a Candidate.
// Pure and side-effect-free; overlapping matches are expected and resolved
// by Merge downstream.
func (d *PatternDetector) Detect(text string) []Candidate {
	if text == "" {
		return nil
	}

	d.customMu.RLock()
	custom := d.custom
	d.customMu.RUnlock()

	var out []Candidate
	for _, set := range [][]pattern{d.patterns, custom} {
		for _, p := range set {
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				out = append(out, Candidate{
					Type:       p.entityType,
					Value:      text[loc[0]:loc[1]],
					Span:       [2]int{loc[0], loc[1]},
					Confidence: p.confidence,
					Source:     SourcePattern,
				})
			}
		}
	}
	return out
}

// Merge combines pattern and external candidates into one deduplicated list.
//
// Two candidates are the same entity when their normalized values are equal,
// regardless of source. On a type conflict the higher-confidence candidate
// wins; ties break toward the pattern detector so the outcome is
// deterministic and explainable. The result is sorted by descending value
// length so downstream substitution can apply longest-match-first.
func Merge(patternCands, externalCands []Candidate) []Candidate {
	merged := make(map[string]Candidate, len(patternCands)+len(externalCands))

	add := func(c Candidate) {
		key := Normalize(c.Value)
		if key == "" {
			return
		}
		prev, ok := merged[key]
		if !ok {
			merged[key] = c
			return
		}
		if c.Confidence > prev.Confidence {
			merged[key] = c
			return
		}
		if c.Confidence == prev.Confidence && c.Source == SourcePattern && prev.Source != SourcePattern {
			merged[key] = c
		}
	}

	for _, c := range patternCands {
		add(c)
	}
	for _, c := range externalCands {
		add(c)
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Value) != len(out[j].Value) {
			return len(out[i].Value) > len(out[j].Value)
		}
		return out[i].Value < out[j].Value // stable order for equal lengths
	})
	return out
}
