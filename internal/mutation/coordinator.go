// Package mutation orchestrates a single write through the safety layer:
// idempotency claim, concurrency check, then domain mutation, response
// recording, and notification fan-out under one transaction.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/guard"
	"github.com/felipemaragno/safewrite/internal/idempotency"
	"github.com/felipemaragno/safewrite/internal/observability"
	"github.com/felipemaragno/safewrite/internal/repository"
	"github.com/felipemaragno/safewrite/internal/revision"
)

// Request is a proposed write handed over by the request-handling layer.
type Request struct {
	TenantID string
	Method   string
	Path     string
	// Body is the normalized request body; its fingerprint is part of the
	// scope key.
	Body []byte
	// IdempotencyKey is the client-supplied key, empty when absent.
	IdempotencyKey string
	// Precondition is the revision tag the caller last saw, nil when absent.
	Precondition *revision.Tag
	// CurrentTag reads the resource's current revision tag. It is invoked
	// inside the mutation transaction so the check and the write see the
	// same state. Leave nil for creates, where no precondition applies.
	CurrentTag func(ctx context.Context) (revision.Tag, error)
}

// Result is what the domain layer produced for a permitted mutation.
type Result struct {
	StatusCode  int
	ContentType string
	Body        json.RawMessage
	// Tag is the resource's revision tag after the mutation.
	Tag revision.Tag
	// Events are the state changes to fan out to subscribed endpoints.
	Events []Event
}

type Event struct {
	Type    string
	Payload json.RawMessage
}

// Mutation applies the domain write. It runs inside the coordinator's
// transaction; statements issued through the same context join it.
type Mutation func(ctx context.Context) (*Result, error)

type OutcomeKind int

const (
	// Success: the mutation ran and was recorded.
	Success OutcomeKind = iota
	// Replayed: a previous execution's response is returned verbatim; the
	// mutation did not run.
	Replayed
	// Conflict: an identical request is in flight; transient, retry shortly.
	Conflict
	// KeyReuseMismatch: the idempotency key was first used with a different
	// body. Client error.
	KeyReuseMismatch
	// PreconditionFailed: the supplied tag is stale. CurrentTag carries the
	// tag the caller needs to retry correctly.
	PreconditionFailed
	// MissingPrecondition: enforcement is on and no tag was supplied.
	MissingPrecondition
)

type Outcome struct {
	Kind     OutcomeKind
	Snapshot domain.Snapshot // Success and Replayed
	Tag      revision.Tag    // Success: the new revision tag
	Current  revision.Tag    // PreconditionFailed: the tag the resource has now
}

// Config holds the operator-tunable knobs of the write path.
type Config struct {
	// EnforcePreconditions is the deployment-wide optimistic locking toggle.
	// When false, writes proceed regardless of supplied tags.
	EnforcePreconditions bool
	// IdempotencyTTL is how long recorded outcomes are retained.
	IdempotencyTTL time.Duration
	// MaxDeliveryAttempts is stamped onto enqueued notifications.
	MaxDeliveryAttempts int
}

func DefaultConfig() Config {
	return Config{
		EnforcePreconditions: true,
		IdempotencyTTL:       24 * time.Hour,
		MaxDeliveryAttempts:  8,
	}
}

type Coordinator struct {
	config        Config
	records       repository.IdempotencyRepository
	notifications repository.NotificationRepository
	endpoints     repository.EndpointRepository
	tx            repository.TxRunner
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *observability.Metrics
}

func NewCoordinator(
	config Config,
	records repository.IdempotencyRepository,
	notifications repository.NotificationRepository,
	endpoints repository.EndpointRepository,
	tx repository.TxRunner,
	clk clock.Clock,
	logger *slog.Logger,
) *Coordinator {
	if config.IdempotencyTTL == 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}
	if config.MaxDeliveryAttempts == 0 {
		config.MaxDeliveryAttempts = 8
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		config:        config,
		records:       records,
		notifications: notifications,
		endpoints:     endpoints,
		tx:            tx,
		clock:         clk,
		logger:        logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (c *Coordinator) WithMetrics(m *observability.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// errGuardRejected aborts the transaction without running the mutation when
// the concurrency check rejects the write.
var errGuardRejected = errors.New("precondition check rejected write")

// Execute runs one write through the safety layer. The domain error path is
// transparent: an error from mutate marks the idempotency record failed and
// comes back unchanged.
func (c *Coordinator) Execute(ctx context.Context, req Request, mutate Mutation) (Outcome, error) {
	scope := idempotency.NewScope(req.TenantID, req.Method, req.Path, req.IdempotencyKey, req.Body)
	key := scope.Key()
	now := c.clock.Now()

	begin, err := c.records.Begin(ctx, scope, now.Add(c.config.IdempotencyTTL))
	if err != nil {
		return Outcome{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	switch begin.Outcome {
	case repository.Replay:
		c.logger.Debug("replaying recorded response",
			"tenant_id", req.TenantID,
			"method", req.Method,
			"path", req.Path,
		)
		c.count(func(m *observability.Metrics) { m.WritesReplayed.Inc() })
		return Outcome{Kind: Replayed, Snapshot: *begin.Snapshot}, nil
	case repository.Conflict:
		c.count(func(m *observability.Metrics) { m.WritesConflicted.Inc() })
		return Outcome{Kind: Conflict}, nil
	case repository.Mismatch:
		c.count(func(m *observability.Metrics) { m.WritesRejected.Inc() })
		return Outcome{Kind: KeyReuseMismatch}, nil
	}

	var (
		decision   guard.Decision
		currentTag revision.Tag
		snapshot   domain.Snapshot
		newTag     revision.Tag
	)

	txErr := c.tx.InTx(ctx, func(txCtx context.Context) error {
		// The current tag is read inside the transaction. Together with the
		// row lock the domain layer takes on the resource, this closes the
		// gap between checking the precondition and using it.
		if req.CurrentTag != nil {
			current, err := req.CurrentTag(txCtx)
			if err != nil {
				return err
			}
			currentTag = current

			decision = guard.Check(req.Precondition, current, c.config.EnforcePreconditions)
			if decision != guard.Allow {
				return errGuardRejected
			}
		}

		result, err := mutate(txCtx)
		if err != nil {
			return err
		}

		snapshot = domain.Snapshot{
			StatusCode:  result.StatusCode,
			ContentType: result.ContentType,
			Body:        result.Body,
			Tag:         string(result.Tag),
		}
		newTag = result.Tag

		if err := c.records.Complete(txCtx, key, snapshot); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}

		return c.enqueueAll(txCtx, req.TenantID, result.Events)
	})

	if errors.Is(txErr, errGuardRejected) {
		c.failRecord(ctx, key)
		c.count(func(m *observability.Metrics) { m.WritesRejected.Inc() })
		if decision == guard.MissingPrecondition {
			return Outcome{Kind: MissingPrecondition}, nil
		}
		return Outcome{Kind: PreconditionFailed, Current: currentTag}, nil
	}
	if txErr != nil {
		c.failRecord(ctx, key)
		return Outcome{}, txErr
	}

	c.count(func(m *observability.Metrics) { m.WritesCommitted.Inc() })
	return Outcome{Kind: Success, Snapshot: snapshot, Tag: newTag}, nil
}

// enqueueAll creates one notification per (event, subscribed endpoint). It
// runs on the mutation's transaction: a committed write is never silently
// un-notified and a rolled-back write leaves no orphans.
func (c *Coordinator) enqueueAll(ctx context.Context, tenantID string, events []Event) error {
	now := c.clock.Now()
	for _, ev := range events {
		endpoints, err := c.endpoints.GetByEventType(ctx, tenantID, ev.Type)
		if err != nil {
			return fmt.Errorf("resolve subscribers for %s: %w", ev.Type, err)
		}
		for _, ep := range endpoints {
			n := &domain.Notification{
				ID:          uuid.NewString(),
				TenantID:    tenantID,
				EndpointID:  ep.ID,
				EventType:   ev.Type,
				Payload:     ev.Payload,
				Status:      domain.NotificationStatusQueued,
				MaxAttempts: c.config.MaxDeliveryAttempts,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := c.notifications.Enqueue(ctx, n); err != nil {
				return fmt.Errorf("enqueue notification: %w", err)
			}
			c.count(func(m *observability.Metrics) { m.NotificationsEnqueued.Inc() })
		}
	}
	return nil
}

func (c *Coordinator) failRecord(ctx context.Context, key string) {
	if err := c.records.Fail(ctx, key); err != nil {
		c.logger.Error("failed to release idempotency record", "error", err)
	}
}

func (c *Coordinator) count(fn func(m *observability.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
