// Package idempotency derives scope keys for write deduplication and runs
// the retention sweep over expired records.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Scope identifies a single logical write attempt: who performed it, against
// which endpoint, with which key and body. Two requests with the same Key()
// are the same attempt and must produce at most one effect.
type Scope struct {
	TenantID string
	Method   string
	Path     string

	// ClientKey is the caller-supplied Idempotency-Key header value.
	// When empty, the body fingerprint takes its place so bare retries of an
	// identical request still deduplicate.
	ClientKey string

	// Fingerprint is the hash of the normalized request body. It is kept
	// alongside the key so reuse of the same key with a different body is
	// detected as a client error instead of silently replaying a response
	// that belongs to someone else's payload.
	Fingerprint string
}

// NewScope builds a scope from the request identity and raw body.
func NewScope(tenantID, method, path, clientKey string, body []byte) Scope {
	return Scope{
		TenantID:    tenantID,
		Method:      strings.ToUpper(method),
		Path:        path,
		ClientKey:   clientKey,
		Fingerprint: Fingerprint(body),
	}
}

// Fingerprint returns the hex SHA-256 of the normalized request body.
// A nil and an empty body hash identically.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Key returns the storage key for the scope. The components are joined with
// a separator no component can contain, then hashed, so keys are fixed-width
// and carry no request data.
func (s Scope) Key() string {
	k := s.ClientKey
	if k == "" {
		k = s.Fingerprint
	}

	h := sha256.New()
	for _, part := range []string{s.TenantID, s.Method, s.Path, k} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
