// Package detect finds candidate sensitive values in text.
//
// Detection runs in two stages:
//  1. Fast regex pass for structured patterns (email, phone, SSN, etc.)
//  2. External AI pass for context-aware detection (names, organizations)
//
// Both stages produce the same Candidate shape; Merge reconciles the two
// lists before the candidates go through the entity persistence store.
package detect

import "strings"

// EntityType classifies the kind of sensitive data found.
type EntityType string

// Supported entity types for detection and aliasing.
const (
	TypePerson       EntityType = "person"
	TypeOrganization EntityType = "organization"
	TypeLocation     EntityType = "location"
	TypeEmail        EntityType = "email"
	TypePhone        EntityType = "phone"
	TypeSSN          EntityType = "ssn"
	TypeCreditCard   EntityType = "credit_card"
	TypeAPIKey       EntityType = "api_key"
	TypeDatabaseURL  EntityType = "database_url"
	TypeIPAddress    EntityType = "ip_address"
	TypeMACAddress   EntityType = "mac_address"
	TypeJWT          EntityType = "jwt"
	TypePrivateKey   EntityType = "private_key"
	TypeCustom       EntityType = "custom"
)

// KnownTypes lists every entity type a detector can produce, in a stable
// order. Used to pre-populate per-type metric counters.
var KnownTypes = []EntityType{
	TypePerson, TypeOrganization, TypeLocation, TypeEmail, TypePhone,
	TypeSSN, TypeCreditCard, TypeAPIKey, TypeDatabaseURL, TypeIPAddress,
	TypeMACAddress, TypeJWT, TypePrivateKey, TypeCustom,
}

// ValidType reports whether t is one of the supported entity types.
func ValidType(t EntityType) bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ContentHint tells the external detector what kind of text it is looking at.
type ContentHint string

// Content hints accepted by the external detector.
const (
	HintText ContentHint = "text"
	HintCode ContentHint = "code"
)

// Detection sources.
const (
	SourcePattern  = "pattern"
	SourceExternal = "external"
)

// Candidate is an unconfirmed detection result, prior to persistence.
type Candidate struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Span       [2]int     `json:"span"` // byte offsets [start, end); [0,0] when unknown
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source"`
}

// Normalize returns the case-folded, whitespace-trimmed form of v, the key
// used for duplicate detection and entity lookup.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
