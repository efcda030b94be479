package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/safewrite/internal/domain"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `
	id, tenant_id, endpoint_id, event_type, payload, status, attempt_count,
	max_attempts, next_attempt_at, last_error, created_at, updated_at, delivered_at`

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID,
		&n.TenantID,
		&n.EndpointID,
		&n.EventType,
		&n.Payload,
		&n.Status,
		&n.AttemptCount,
		&n.MaxAttempts,
		&n.NextAttemptAt,
		&n.LastError,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Enqueue inserts a queued notification. It runs on the transaction in the
// context when one is present, which is how the coordinator keeps the
// enqueue atomic with the mutation.
func (r *NotificationRepository) Enqueue(ctx context.Context, n *domain.Notification) error {
	const query = `
		INSERT INTO notifications (id, tenant_id, endpoint_id, event_type, payload, status,
		                           attempt_count, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := q(ctx, r.pool).Exec(ctx, query,
		n.ID,
		n.TenantID,
		n.EndpointID,
		n.EventType,
		n.Payload,
		n.Status,
		n.AttemptCount,
		n.MaxAttempts,
		n.NextAttemptAt,
		n.CreatedAt,
		n.UpdatedAt,
	)
	return err
}

// LeaseBatch atomically claims due queued notifications for this worker by
// flipping them to delivering inside the selecting statement. FOR UPDATE
// SKIP LOCKED keeps concurrent worker instances from claiming the same rows.
// Ordering by endpoint then enqueue time keeps a subscriber's events in
// causal order within a batch.
func (r *NotificationRepository) LeaseBatch(ctx context.Context, limit int, now time.Time) ([]*domain.Notification, error) {
	const query = `
		UPDATE notifications
		SET status = 'delivering', updated_at = $2
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'queued'
			AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY endpoint_id, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + notificationColumns

	rows, err := q(ctx, r.pool).Query(ctx, query, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (r *NotificationRepository) updateStatus(ctx context.Context, n *domain.Notification) error {
	const query = `
		UPDATE notifications
		SET status = $2, attempt_count = $3, next_attempt_at = $4,
		    last_error = $5, updated_at = $6, delivered_at = $7
		WHERE id = $1
	`

	_, err := q(ctx, r.pool).Exec(ctx, query,
		n.ID,
		n.Status,
		n.AttemptCount,
		n.NextAttemptAt,
		n.LastError,
		n.UpdatedAt,
		n.DeliveredAt,
	)
	return err
}

func (r *NotificationRepository) MarkDelivered(ctx context.Context, n *domain.Notification) error {
	return r.updateStatus(ctx, n)
}

func (r *NotificationRepository) MarkRetry(ctx context.Context, n *domain.Notification) error {
	return r.updateStatus(ctx, n)
}

func (r *NotificationRepository) MarkDead(ctx context.Context, n *domain.Notification) error {
	return r.updateStatus(ctx, n)
}

// ReleaseStuck returns notifications abandoned in delivering state (worker
// crash between lease and outcome) to the queue.
func (r *NotificationRepository) ReleaseStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `
		UPDATE notifications
		SET status = 'queued', updated_at = NOW()
		WHERE status = 'delivering' AND updated_at < $1
	`

	tag, err := q(ctx, r.pool).Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(q(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *NotificationRepository) ListDead(ctx context.Context, tenantID string, limit int) ([]*domain.Notification, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE tenant_id = $1 AND status = 'dead'
		ORDER BY updated_at DESC
		LIMIT $2
	`

	rows, err := q(ctx, r.pool).Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// Requeue returns a dead notification to the queue with a reset attempt
// budget. The status predicate makes it a no-op on anything not dead.
func (r *NotificationRepository) Requeue(ctx context.Context, id string, now time.Time) error {
	const query = `
		UPDATE notifications
		SET status = 'queued', attempt_count = 0, next_attempt_at = $2,
		    last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'dead'
	`

	tag, err := q(ctx, r.pool).Exec(ctx, query, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	const query = `
		INSERT INTO delivery_attempts (notification_id, attempt_number, status_code, response_body, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	return q(ctx, r.pool).QueryRow(ctx, query,
		attempt.NotificationID,
		attempt.AttemptNumber,
		attempt.StatusCode,
		attempt.ResponseBody,
		attempt.Error,
		attempt.DurationMs,
	).Scan(&attempt.ID, &attempt.CreatedAt)
}

func (r *NotificationRepository) GetAttemptsByNotificationID(ctx context.Context, id string) ([]*domain.DeliveryAttempt, error) {
	const query = `
		SELECT id, notification_id, attempt_number, status_code, response_body, error, duration_ms, created_at
		FROM delivery_attempts
		WHERE notification_id = $1
		ORDER BY attempt_number
	`

	rows, err := q(ctx, r.pool).Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		var attempt domain.DeliveryAttempt
		err := rows.Scan(
			&attempt.ID,
			&attempt.NotificationID,
			&attempt.AttemptNumber,
			&attempt.StatusCode,
			&attempt.ResponseBody,
			&attempt.Error,
			&attempt.DurationMs,
			&attempt.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, &attempt)
	}

	return attempts, rows.Err()
}
