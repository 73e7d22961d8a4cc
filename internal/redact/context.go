// Package redact is the request pipeline: resolve the caller's context,
// detect sensitive values, persist them as entities, substitute aliases.
package redact

import (
	"crypto/md5" // #nosec G501 -- context keys are opaque identifiers, not security material
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidContext is returned when a caller-supplied identifier cannot be
// used to derive a context key.
var ErrInvalidContext = errors.New("invalid context identifier")

const maxIdentifierLen = 128

// Resolver derives stable context keys from caller identifiers.
// The key is a one-way hash, so it can appear in logs and ledger records
// without revealing who the caller is.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve maps (sessionID, userID, orgID) to a context key. The mapping is
// deterministic; the empty identifier set maps to a single well-known
// default context.
func (r *Resolver) Resolve(sessionID, userID, orgID string) (string, error) {
	var parts []string
	for _, id := range []struct{ label, value string }{
		{"session", sessionID},
		{"user", userID},
		{"org", orgID},
	} {
		if id.value == "" {
			continue
		}
		if err := validateIdentifier(id.value); err != nil {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidContext, id.label, id.value)
		}
		parts = append(parts, id.label+":"+id.value)
	}
	if len(parts) == 0 {
		parts = append(parts, "default")
	}

	sum := md5.Sum([]byte(strings.Join(parts, "|"))) // #nosec G401
	return hex.EncodeToString(sum[:]), nil
}

// validateIdentifier rejects identifiers that would make the derived key
// ambiguous or that smell like injected content rather than an ID.
func validateIdentifier(id string) error {
	if len(id) > maxIdentifierLen {
		return errors.New("too long")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '@':
		default:
			return fmt.Errorf("character %q not allowed", r)
		}
	}
	return nil
}
