package repository

import (
	"context"
	"time"

	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/idempotency"
)

// BeginOutcome is the result of claiming a scope key.
type BeginOutcome int

const (
	// Proceed means the key was claimed; the caller owns the write and must
	// finish with Complete or Fail.
	Proceed BeginOutcome = iota
	// Replay means a completed record exists; the caller must return its
	// snapshot verbatim without re-executing the mutation.
	Replay
	// Conflict means an identical request is in flight right now.
	Conflict
	// Mismatch means the key exists but was first used with a different
	// request body.
	Mismatch
)

type BeginResult struct {
	Outcome  BeginOutcome
	Snapshot *domain.Snapshot // set when Outcome == Replay
}

// IdempotencyRepository is the durable write-deduplication cache. Begin must
// be a single atomic insert-if-absent against the store, never a read
// followed by a write: that atomicity is what prevents double execution when
// two requests with the same key arrive together.
type IdempotencyRepository interface {
	Begin(ctx context.Context, scope idempotency.Scope, expiresAt time.Time) (BeginResult, error)
	// Complete records the response for an in-flight key. Calling it again
	// with the same snapshot is a no-op; a different snapshot returns
	// domain.ErrSnapshotConflict.
	Complete(ctx context.Context, scopeKey string, snapshot domain.Snapshot) error
	// Fail releases an in-flight key so the next attempt starts fresh.
	Fail(ctx context.Context, scopeKey string) error
	// Sweep deletes records whose expiry has passed and returns the count.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// NotificationRepository is the durable outbound queue. LeaseBatch claims
// rows atomically (queued -> delivering) so concurrent worker instances never
// pick up the same notification.
type NotificationRepository interface {
	// Enqueue inserts a pending notification. When the context carries an
	// open transaction the insert joins it, so a rolled-back mutation never
	// leaves an orphaned notification.
	Enqueue(ctx context.Context, n *domain.Notification) error
	LeaseBatch(ctx context.Context, limit int, now time.Time) ([]*domain.Notification, error)
	MarkDelivered(ctx context.Context, n *domain.Notification) error
	MarkRetry(ctx context.Context, n *domain.Notification) error
	MarkDead(ctx context.Context, n *domain.Notification) error
	// ReleaseStuck returns notifications left in delivering state longer than
	// the threshold (a worker crashed mid-delivery) to the queue.
	ReleaseStuck(ctx context.Context, olderThan time.Time) (int64, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListDead(ctx context.Context, tenantID string, limit int) ([]*domain.Notification, error)
	// Requeue returns a dead notification to the queue with a fresh attempt
	// budget. Operator action.
	Requeue(ctx context.Context, id string, now time.Time) error
	RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	GetAttemptsByNotificationID(ctx context.Context, id string) ([]*domain.DeliveryAttempt, error)
}

// EndpointRepository stores tenant-owned webhook destinations.
type EndpointRepository interface {
	Create(ctx context.Context, ep *domain.Endpoint) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Endpoint, error)
	// GetByIDForUpdate reads the endpoint under its row lock so the revision
	// tag it implies cannot shift before the enclosing transaction commits.
	GetByIDForUpdate(ctx context.Context, tenantID, id string) (*domain.Endpoint, error)
	GetActive(ctx context.Context, tenantID string) ([]*domain.Endpoint, error)
	GetByEventType(ctx context.Context, tenantID, eventType string) ([]*domain.Endpoint, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// TxRunner runs fn inside a single database transaction. The transaction is
// carried in the context so repositories and the domain mutation callback
// share it. The mutation coordinator uses this to make the guard check, the
// domain write, and the notification enqueue atomic.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
