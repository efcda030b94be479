package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the schema. Statements are idempotent so the function can
// run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			scope_key   TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'in_flight'
			            CHECK (status IN ('in_flight', 'completed', 'failed')),
			snapshot    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at
			ON idempotency_records (expires_at)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id          TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			url         TEXT NOT NULL,
			event_types TEXT[] NOT NULL DEFAULT '{}',
			secret      TEXT,
			rate_limit  INT NOT NULL DEFAULT 100,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			endpoint_id     TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			payload         JSONB NOT NULL,
			status          TEXT NOT NULL DEFAULT 'queued'
			                CHECK (status IN ('queued', 'delivering', 'delivered', 'dead')),
			attempt_count   INT NOT NULL DEFAULT 0,
			max_attempts    INT NOT NULL DEFAULT 8,
			next_attempt_at TIMESTAMPTZ,
			last_error      TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_due
			ON notifications (status, next_attempt_at)
			WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_tenant_dead
			ON notifications (tenant_id, updated_at)
			WHERE status = 'dead'`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id              SERIAL PRIMARY KEY,
			notification_id TEXT NOT NULL,
			attempt_number  INT NOT NULL,
			status_code     INT,
			response_body   TEXT,
			error           TEXT,
			duration_ms     INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_notification
			ON delivery_attempts (notification_id, attempt_number)`,
	}

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
