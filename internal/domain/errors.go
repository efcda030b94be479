// Package domain contains the core entities and logic of the mutation-safety
// layer: idempotency records, pending notifications, subscriber endpoints.
package domain

import "errors"

// Sentinel errors for the write-path taxonomy. Handlers map these to HTTP
// statuses without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrKeyReuseMismatch indicates an idempotency key was reused with a
	// different request body. This is a client contract violation, surfaced
	// distinctly from a true replay.
	ErrKeyReuseMismatch = errors.New("idempotency key reused with a different request body")

	// ErrConcurrentDuplicate indicates another request with the same scope key
	// is currently in flight. Transient; safe to retry shortly.
	ErrConcurrentDuplicate = errors.New("identical request already in flight")

	// ErrStalePrecondition indicates the supplied precondition tag does not
	// match the resource's current state.
	ErrStalePrecondition = errors.New("precondition tag does not match current resource state")

	// ErrMissingPrecondition indicates precondition enforcement is on and the
	// caller supplied no tag.
	ErrMissingPrecondition = errors.New("precondition tag required but not supplied")

	// ErrSnapshotConflict indicates Complete was called with a snapshot that
	// differs from the one already recorded. Outcomes never change once
	// recorded, so this is a programming error in the caller.
	ErrSnapshotConflict = errors.New("completed idempotency record has a different snapshot")
)
