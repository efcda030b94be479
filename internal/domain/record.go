package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

type RecordStatus string

const (
	RecordStatusInFlight  RecordStatus = "in_flight"
	RecordStatusCompleted RecordStatus = "completed"
	RecordStatusFailed    RecordStatus = "failed"
)

// Snapshot is the response recorded the first time a write completed.
// Replays return it verbatim, independent of current resource state. Tag is
// the revision tag the mutation produced, so a replayed create still hands
// the client the precondition it needs for its next write.
type Snapshot struct {
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
	Tag         string          `json:"tag,omitempty"`
}

// Equal reports whether two snapshots would produce byte-identical responses.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.StatusCode == other.StatusCode &&
		s.ContentType == other.ContentType &&
		bytes.Equal(s.Body, other.Body) &&
		s.Tag == other.Tag
}

// IdempotencyRecord tracks one logical write attempt per scope key.
// At most one record exists per scope key at any time; a completed record is
// never mutated, and a failed record may be atomically reclaimed by a later
// attempt with the same key.
type IdempotencyRecord struct {
	ScopeKey    string       `json:"scope_key"`
	TenantID    string       `json:"tenant_id"`
	Fingerprint string       `json:"fingerprint"`
	Status      RecordStatus `json:"status"`
	Snapshot    *Snapshot    `json:"snapshot,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Expired reports whether the record is eligible for the retention sweep.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
