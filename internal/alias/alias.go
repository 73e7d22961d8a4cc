// Package alias turns detected values into their stable substitutes.
//
// A Generator is a pure function of (value, type, ordinal): it holds no
// state and never touches storage. The strategy is fixed per deployment so
// aliasing stays deterministic within a context.
package alias

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"masquerade/internal/detect"
)

// Strategy selects how originals are rewritten.
type Strategy string

const (
	// StrategyCounter emits "[TYPE_n]" using the context-local ordinal.
	StrategyCounter Strategy = "counter"
	// StrategyPartial keeps a type-dependent sliver of the value visible.
	StrategyPartial Strategy = "partial"
	// StrategyMask emits a constant "[TYPE]" token per type.
	StrategyMask Strategy = "mask"
	// StrategyHash emits "[HASH:xxxxxxxx]" from a sha256 of the value.
	StrategyHash Strategy = "hash"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyCounter:
		return StrategyCounter, nil
	case StrategyPartial:
		return StrategyPartial, nil
	case StrategyMask:
		return StrategyMask, nil
	case StrategyHash:
		return StrategyHash, nil
	default:
		return "", fmt.Errorf("unknown alias strategy %q", s)
	}
}

// Generator produces aliases under one fixed strategy.
type Generator struct {
	strategy Strategy
}

// NewGenerator returns a Generator for the given strategy.
func NewGenerator(strategy Strategy) *Generator {
	return &Generator{strategy: strategy}
}

// Strategy reports the configured strategy.
func (g *Generator) Strategy() Strategy { return g.strategy }

// Alias generates the substitute for value. ordinal is the 1-based count of
// distinct entities of this type already created in the context; only the
// counter strategy reads it.
func (g *Generator) Alias(value string, typ detect.EntityType, ordinal uint64) string {
	switch g.strategy {
	case StrategyPartial:
		return partial(value, typ)
	case StrategyMask:
		return "[" + typeTag(typ) + "]"
	case StrategyHash:
		sum := sha256.Sum256([]byte(value))
		return fmt.Sprintf("[HASH:%x]", sum[:4])
	default:
		return fmt.Sprintf("[%s_%d]", typeTag(typ), ordinal)
	}
}

func typeTag(typ detect.EntityType) string {
	return strings.ToUpper(string(typ))
}

// partial dispatches to a type-aware masker. Every branch leaves the value
// shaped unlike anything the detection rules match, so a masked value can
// pass through detection again without re-triggering.
func partial(value string, typ detect.EntityType) string {
	switch typ {
	case detect.TypeEmail:
		return partialEmail(value)
	case detect.TypePhone, detect.TypeSSN, detect.TypeCreditCard:
		return partialNumeric(value)
	case detect.TypeAPIKey, detect.TypeJWT, detect.TypePrivateKey, detect.TypeDatabaseURL:
		return partialSecret(value)
	default:
		return partialGeneral(value)
	}
}

// partialEmail keeps the first two characters of the local part and of the
// domain root: "alice@example.com" -> "al***@ex*****.com".
func partialEmail(v string) string {
	at := strings.Index(v, "@")
	if at < 0 {
		return partialGeneral(v)
	}
	local, domain := v[:at], v[at+1:]

	maskedLocal := local
	if len(local) > 2 {
		maskedLocal = local[:2] + strings.Repeat("*", len(local)-2)
	}

	maskedDomain := domain
	if dot := strings.Index(domain, "."); dot > 2 {
		maskedDomain = domain[:2] + strings.Repeat("*", dot-2) + domain[dot:]
	}
	return maskedLocal + "@" + maskedDomain
}

// partialNumeric keeps the first and last two digits, dropping separators:
// "555-867-5309" -> "55******09".
func partialNumeric(v string) string {
	var digits []byte
	for i := 0; i < len(v); i++ {
		if v[i] >= '0' && v[i] <= '9' {
			digits = append(digits, v[i])
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return string(digits[:2]) + strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-2:])
}

// partialSecret keeps the first and last four characters.
func partialSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

// partialGeneral keeps the first two characters.
func partialGeneral(v string) string {
	if len(v) <= 2 {
		return v
	}
	return v[:2] + strings.Repeat("*", len(v)-2)
}
