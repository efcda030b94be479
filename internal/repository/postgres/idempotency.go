package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/idempotency"
	"github.com/felipemaragno/safewrite/internal/repository"
)

func decodeSnapshot(raw []byte) (*domain.Snapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

// Begin claims the scope key with a single insert-if-absent. When the key is
// already taken it inspects the existing row: a failed row is reclaimed
// atomically (the previous attempt had no effect), a completed row replays,
// an in-flight row conflicts, and a row with a different body fingerprint is
// a key-reuse violation.
func (r *IdempotencyRepository) Begin(ctx context.Context, scope idempotency.Scope, expiresAt time.Time) (repository.BeginResult, error) {
	const insert = `
		INSERT INTO idempotency_records (scope_key, tenant_id, fingerprint, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'in_flight', NOW(), $4)
		ON CONFLICT (scope_key) DO NOTHING
	`

	key := scope.Key()
	tag, err := q(ctx, r.pool).Exec(ctx, insert, key, scope.TenantID, scope.Fingerprint, expiresAt)
	if err != nil {
		return repository.BeginResult{}, err
	}
	if tag.RowsAffected() == 1 {
		return repository.BeginResult{Outcome: repository.Proceed}, nil
	}

	const load = `
		SELECT fingerprint, status, snapshot
		FROM idempotency_records
		WHERE scope_key = $1
	`

	var (
		fingerprint string
		status      domain.RecordStatus
		rawSnapshot []byte
	)
	err = q(ctx, r.pool).QueryRow(ctx, load, key).Scan(&fingerprint, &status, &rawSnapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		// The row was swept between insert and load. Rare; treat as a
		// concurrent duplicate and let the client retry.
		return repository.BeginResult{Outcome: repository.Conflict}, nil
	}
	if err != nil {
		return repository.BeginResult{}, err
	}

	if status == domain.RecordStatusFailed {
		return r.reclaimFailed(ctx, key, scope.Fingerprint, expiresAt)
	}

	if fingerprint != scope.Fingerprint {
		return repository.BeginResult{Outcome: repository.Mismatch}, nil
	}

	switch status {
	case domain.RecordStatusCompleted:
		snapshot, err := decodeSnapshot(rawSnapshot)
		if err != nil {
			return repository.BeginResult{}, err
		}
		return repository.BeginResult{Outcome: repository.Replay, Snapshot: snapshot}, nil
	default:
		return repository.BeginResult{Outcome: repository.Conflict}, nil
	}
}

// reclaimFailed re-arms a failed record for a fresh attempt. The status
// predicate makes the claim atomic: of two concurrent retries exactly one
// wins, the other observes a conflict.
func (r *IdempotencyRepository) reclaimFailed(ctx context.Context, key, fingerprint string, expiresAt time.Time) (repository.BeginResult, error) {
	const reclaim = `
		UPDATE idempotency_records
		SET status = 'in_flight', fingerprint = $2, snapshot = NULL, created_at = NOW(), expires_at = $3
		WHERE scope_key = $1 AND status = 'failed'
	`

	tag, err := q(ctx, r.pool).Exec(ctx, reclaim, key, fingerprint, expiresAt)
	if err != nil {
		return repository.BeginResult{}, err
	}
	if tag.RowsAffected() == 1 {
		return repository.BeginResult{Outcome: repository.Proceed}, nil
	}
	return repository.BeginResult{Outcome: repository.Conflict}, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, scopeKey string, snapshot domain.Snapshot) error {
	const complete = `
		UPDATE idempotency_records
		SET status = 'completed', snapshot = $2
		WHERE scope_key = $1 AND status = 'in_flight'
	`

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	tag, err := q(ctx, r.pool).Exec(ctx, complete, scopeKey, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Already terminal. Completing twice with the identical snapshot is a
	// no-op; anything else means an outcome would change after being
	// recorded, which is a caller bug.
	const load = `SELECT status, snapshot FROM idempotency_records WHERE scope_key = $1`

	var (
		status domain.RecordStatus
		raw    []byte
	)
	err = q(ctx, r.pool).QueryRow(ctx, load, scopeKey).Scan(&status, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	recorded, err := decodeSnapshot(raw)
	if err != nil {
		return err
	}
	if status == domain.RecordStatusCompleted && recorded != nil && recorded.Equal(snapshot) {
		return nil
	}
	return domain.ErrSnapshotConflict
}

func (r *IdempotencyRepository) Fail(ctx context.Context, scopeKey string) error {
	const fail = `
		UPDATE idempotency_records
		SET status = 'failed', snapshot = NULL
		WHERE scope_key = $1 AND status = 'in_flight'
	`

	_, err := q(ctx, r.pool).Exec(ctx, fail, scopeKey)
	return err
}

func (r *IdempotencyRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	const sweep = `DELETE FROM idempotency_records WHERE expires_at <= $1`

	tag, err := q(ctx, r.pool).Exec(ctx, sweep, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
