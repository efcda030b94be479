// Package guard implements the optimistic concurrency check for writes.
//
// The check itself is pure; the correctness contract is that the caller reads
// the resource's current tag inside the same transaction that applies the
// mutation, so no other writer can slip between check and use.
package guard

import "github.com/felipemaragno/safewrite/internal/revision"

type Decision int

const (
	// Allow permits the mutation.
	Allow Decision = iota
	// Stale rejects the mutation: the supplied tag does not match the
	// resource's current tag. The caller must re-read and retry.
	Stale
	// MissingPrecondition rejects the mutation: enforcement is on and the
	// caller supplied no tag.
	MissingPrecondition
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Stale:
		return "stale"
	case MissingPrecondition:
		return "missing_precondition"
	default:
		return "unknown"
	}
}

// Check validates a caller-supplied precondition tag against the resource's
// current tag. Enforcement is an explicit argument rather than process state:
// when disabled every write is allowed, even with a mismatched tag.
func Check(expected *revision.Tag, current revision.Tag, enforce bool) Decision {
	if !enforce {
		return Allow
	}
	if expected == nil {
		return MissingPrecondition
	}
	if !revision.Matches(*expected, current) {
		return Stale
	}
	return Allow
}
