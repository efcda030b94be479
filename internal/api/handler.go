package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/mutation"
	"github.com/felipemaragno/safewrite/internal/repository"
	"github.com/felipemaragno/safewrite/internal/repository/postgres"
	"github.com/felipemaragno/safewrite/internal/revision"
)

// TenantHeader identifies the calling tenant. The value is an opaque
// identifier issued out of band; the handlers only scope queries by it.
const TenantHeader = "X-Tenant-ID"

// IdempotencyKeyHeader carries the client-chosen key that makes a retried
// write replay its first outcome instead of executing again.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxBodySize = 1 << 20

type Handler struct {
	endpoints     repository.EndpointRepository
	notifications repository.NotificationRepository
	coordinator   *mutation.Coordinator
	clock         clock.Clock
	validate      *validator.Validate
	logger        *slog.Logger
}

func NewHandler(
	endpoints repository.EndpointRepository,
	notifications repository.NotificationRepository,
	clk clock.Clock,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		endpoints:     endpoints,
		notifications: notifications,
		clock:         clk,
		validate:      validator.New(),
		logger:        logger,
	}
}

// WithCoordinator routes the mutating endpoint operations through the
// write-safety layer, giving them Idempotency-Key and If-Match semantics.
func (h *Handler) WithCoordinator(c *mutation.Coordinator) *Handler {
	h.coordinator = c
	return h
}

type CreateEndpointRequest struct {
	URL        string   `json:"url" validate:"required,url"`
	EventTypes []string `json:"event_types"`
	Secret     *string  `json:"secret,omitempty"`
	RateLimit  int      `json:"rate_limit,omitempty" validate:"omitempty,min=1"`
}

func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req CreateEndpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = 100
	}

	mutate := func(ctx context.Context) (*mutation.Result, error) {
		ep := &domain.Endpoint{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			URL:        req.URL,
			EventTypes: req.EventTypes,
			Secret:     req.Secret,
			RateLimit:  rateLimit,
			CreatedAt:  h.clock.Now(),
			Active:     true,
		}
		if err := h.endpoints.Create(ctx, ep); err != nil {
			return nil, err
		}

		respBody, err := json.Marshal(ep)
		if err != nil {
			return nil, err
		}
		tag, err := revision.Compute(ep.ID, "endpoint", &revision.Marker{UpdatedAt: ep.CreatedAt})
		if err != nil {
			return nil, err
		}
		return &mutation.Result{
			StatusCode:  http.StatusCreated,
			ContentType: "application/json",
			Body:        respBody,
			Tag:         tag,
		}, nil
	}

	if h.coordinator == nil {
		result, err := mutate(r.Context())
		if err != nil {
			h.logger.Error("failed to create endpoint", "error", err, "tenant_id", tenantID)
			h.respondError(w, http.StatusInternalServerError, "failed to create endpoint")
			return
		}
		w.Header().Set("ETag", string(result.Tag))
		h.respondRaw(w, result.StatusCode, result.ContentType, result.Body)
		return
	}

	outcome, err := h.coordinator.Execute(r.Context(), mutation.Request{
		TenantID:       tenantID,
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           body,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	}, mutate)
	if err != nil {
		h.logger.Error("failed to create endpoint", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to create endpoint")
		return
	}

	h.respondOutcome(w, outcome)
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	id := chi.URLParam(r, "id")
	if tenantID == "" || id == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header and endpoint id are required")
		return
	}

	ep, err := h.endpoints.GetByID(r.Context(), tenantID, id)
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && !ep.Active) {
		h.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get endpoint", "error", err, "endpoint_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get endpoint")
		return
	}

	if tag, err := endpointTag(ep); err == nil {
		w.Header().Set("ETag", string(tag))
	}
	h.respondJSON(w, http.StatusOK, ep)
}

func (h *Handler) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header is required")
		return
	}

	eps, err := h.endpoints.GetActive(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list endpoints", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}

	h.respondJSON(w, http.StatusOK, eps)
}

func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	id := chi.URLParam(r, "id")
	if tenantID == "" || id == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header and endpoint id are required")
		return
	}

	mutate := func(ctx context.Context) (*mutation.Result, error) {
		if err := h.endpoints.Delete(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return &mutation.Result{StatusCode: http.StatusNoContent}, nil
	}

	if h.coordinator == nil {
		if _, err := mutate(r.Context()); err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				h.respondError(w, http.StatusNotFound, "endpoint not found")
				return
			}
			h.logger.Error("failed to delete endpoint", "error", err, "endpoint_id", id)
			h.respondError(w, http.StatusInternalServerError, "failed to delete endpoint")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var precondition *revision.Tag
	if v := r.Header.Get("If-Match"); v != "" {
		tag := revision.Tag(v)
		precondition = &tag
	}

	outcome, err := h.coordinator.Execute(r.Context(), mutation.Request{
		TenantID:       tenantID,
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Precondition:   precondition,
		CurrentTag: func(ctx context.Context) (revision.Tag, error) {
			ep, err := h.endpoints.GetByIDForUpdate(ctx, tenantID, id)
			if err != nil {
				return "", err
			}
			return endpointTag(ep)
		},
	}, mutate)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		h.logger.Error("failed to delete endpoint", "error", err, "endpoint_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to delete endpoint")
		return
	}

	h.respondOutcome(w, outcome)
}

// endpointTag derives an endpoint's revision tag. Endpoints are immutable
// after creation, so the creation time is the revision marker.
func endpointTag(ep *domain.Endpoint) (revision.Tag, error) {
	return revision.Compute(ep.ID, "endpoint", &revision.Marker{UpdatedAt: ep.CreatedAt})
}

// ListDeadNotifications is the operator view of the dead-letter set.
func (h *Handler) ListDeadNotifications(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header is required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	dead, err := h.notifications.ListDead(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("failed to list dead notifications", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to list dead notifications")
		return
	}

	h.respondJSON(w, http.StatusOK, dead)
}

type RequeueResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	RequeuedAt time.Time `json:"requeued_at"`
}

// RequeueNotification returns a dead notification to the queue with a fresh
// attempt budget.
func (h *Handler) RequeueNotification(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	id := chi.URLParam(r, "id")
	if tenantID == "" || id == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header and notification id are required")
		return
	}

	// Requeue is keyed by id alone, so confirm ownership first.
	n, err := h.notifications.GetByID(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && n.TenantID != tenantID) {
		h.respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", "error", err, "notification_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}

	now := h.clock.Now()
	if err := h.notifications.Requeue(r.Context(), id, now); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			h.respondError(w, http.StatusConflict, "notification is not dead")
			return
		}
		h.logger.Error("failed to requeue notification", "error", err, "notification_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to requeue notification")
		return
	}

	h.logger.Info("notification requeued", "notification_id", id, "tenant_id", tenantID)
	h.respondJSON(w, http.StatusOK, RequeueResponse{
		ID:         id,
		Status:     string(domain.NotificationStatusQueued),
		RequeuedAt: now,
	})
}

func (h *Handler) GetNotificationAttempts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	id := chi.URLParam(r, "id")
	if tenantID == "" || id == "" {
		h.respondError(w, http.StatusBadRequest, "tenant header and notification id are required")
		return
	}

	n, err := h.notifications.GetByID(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && n.TenantID != tenantID) {
		h.respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", "error", err, "notification_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}

	attempts, err := h.notifications.GetAttemptsByNotificationID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get attempts", "error", err, "notification_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}

	h.respondJSON(w, http.StatusOK, attempts)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondOutcome translates a coordinator outcome to HTTP. Replays return
// the recorded response verbatim; precondition failures carry the current
// tag in the ETag header so the client can refetch and retry.
func (h *Handler) respondOutcome(w http.ResponseWriter, outcome mutation.Outcome) {
	switch outcome.Kind {
	case mutation.Success:
		if outcome.Tag != "" {
			w.Header().Set("ETag", string(outcome.Tag))
		}
		h.respondRaw(w, outcome.Snapshot.StatusCode, outcome.Snapshot.ContentType, outcome.Snapshot.Body)
	case mutation.Replayed:
		if outcome.Snapshot.Tag != "" {
			w.Header().Set("ETag", outcome.Snapshot.Tag)
		}
		h.respondRaw(w, outcome.Snapshot.StatusCode, outcome.Snapshot.ContentType, outcome.Snapshot.Body)
	case mutation.Conflict:
		h.respondError(w, http.StatusConflict, "an identical request is already in flight")
	case mutation.KeyReuseMismatch:
		h.respondError(w, http.StatusUnprocessableEntity, "idempotency key was already used with a different request body")
	case mutation.PreconditionFailed:
		w.Header().Set("ETag", string(outcome.Current))
		h.respondError(w, http.StatusPreconditionFailed, "resource was modified since it was last read")
	case mutation.MissingPrecondition:
		h.respondError(w, http.StatusPreconditionRequired, "If-Match header is required")
	default:
		h.respondError(w, http.StatusInternalServerError, "unexpected write outcome")
	}
}

func (h *Handler) respondRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			h.logger.Error("failed to write response", "error", err)
		}
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
