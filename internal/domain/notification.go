package domain

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationStatusQueued     NotificationStatus = "queued"
	NotificationStatusDelivering NotificationStatus = "delivering"
	NotificationStatusDelivered  NotificationStatus = "delivered"
	NotificationStatusDead       NotificationStatus = "dead"
)

// Notification is one pending outbound event for one endpoint. Rows are
// created inside the mutation transaction (outbox) and afterwards mutated
// only by the delivery worker. Terminal rows are retained for audit.
type Notification struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenant_id"`
	EndpointID    string             `json:"endpoint_id"`
	EventType     string             `json:"event_type"`
	Payload       json.RawMessage    `json:"payload"`
	Status        NotificationStatus `json:"status"`
	AttemptCount  int                `json:"attempt_count"`
	MaxAttempts   int                `json:"max_attempts"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"`
	LastError     *string            `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
}

// CanRetry reports whether the attempt budget allows another try after the
// attempt currently being resolved. AttemptCount never exceeds MaxAttempts.
func (n *Notification) CanRetry() bool {
	return n.AttemptCount+1 < n.MaxAttempts
}

func (n *Notification) MarkDelivered(deliveredAt time.Time) {
	n.Status = NotificationStatusDelivered
	n.AttemptCount++
	n.DeliveredAt = &deliveredAt
	n.NextAttemptAt = nil
	n.LastError = nil
	n.UpdatedAt = deliveredAt
}

func (n *Notification) MarkRetrying(now, nextAttempt time.Time, lastError string) {
	n.Status = NotificationStatusQueued
	n.AttemptCount++
	n.NextAttemptAt = &nextAttempt
	n.LastError = &lastError
	n.UpdatedAt = now
}

// Reschedule returns the notification to the queue without consuming an
// attempt. Used when no delivery was made: internal backpressure (rate
// limit, open breaker) or a failed endpoint lookup.
func (n *Notification) Reschedule(now, nextAttempt time.Time) {
	n.Status = NotificationStatusQueued
	n.NextAttemptAt = &nextAttempt
	n.UpdatedAt = now
}

func (n *Notification) MarkDead(now time.Time, lastError string) {
	n.Status = NotificationStatusDead
	n.AttemptCount++
	n.LastError = &lastError
	n.NextAttemptAt = nil
	n.UpdatedAt = now
}

// DeliveryAttempt records the outcome of a single HTTP attempt for audit.
type DeliveryAttempt struct {
	ID             int       `json:"id"`
	NotificationID string    `json:"notification_id"`
	AttemptNumber  int       `json:"attempt_number"`
	StatusCode     *int      `json:"status_code,omitempty"`
	ResponseBody   *string   `json:"response_body,omitempty"`
	Error          *string   `json:"error,omitempty"`
	DurationMs     int       `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
