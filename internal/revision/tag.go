// Package revision computes and compares revision tags: opaque markers for a
// resource's state at a point in time, used as write preconditions.
package revision

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNoRevision is returned by Compute when no version marker exists, i.e.
// the resource was not found.
var ErrNoRevision = errors.New("no version marker for resource")

// Tag is an opaque revision marker. Callers compare tags only for equality;
// the encoding carries no meaning outside this package.
type Tag string

// Marker is a resource's version source: the last-modified timestamp plus a
// counter that breaks ties between writes landing in the same instant.
type Marker struct {
	UpdatedAt time.Time
	Version   int64
}

// Compute derives the tag for a resource deterministically from its identity
// and version marker. Identical inputs always yield an identical tag; any
// change to the marker yields a different tag. The derivation is a strong
// hash so tags are not guessable from a previous one.
func Compute(resourceID, kind string, marker *Marker) (Tag, error) {
	if marker == nil {
		return "", ErrNoRevision
	}

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(resourceID))
	h.Write([]byte{0})

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(marker.UpdatedAt.UTC().UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(marker.Version))
	h.Write(buf[:])

	return Tag(`"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`), nil
}

// Matches reports byte-for-byte equality of two tags. Comparison is constant
// time so tags cannot be probed character by character.
func Matches(a, b Tag) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
