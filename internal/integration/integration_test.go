package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felipemaragno/safewrite/internal/api"
	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/mutation"
	"github.com/felipemaragno/safewrite/internal/observability"
	"github.com/felipemaragno/safewrite/internal/repository/postgres"
	"github.com/felipemaragno/safewrite/internal/resilience"
	"github.com/felipemaragno/safewrite/internal/retry"
	"github.com/felipemaragno/safewrite/internal/worker"
)

type testEnv struct {
	pgContainer      *tcpostgres.PostgresContainer
	redisContainer   *tcredis.RedisContainer
	pool             *pgxpool.Pool
	redisClient      *redis.Client
	handler          http.Handler
	coordinator      *mutation.Coordinator
	notificationRepo *postgres.NotificationRepository
	endpointRepo     *postgres.EndpointRepository
	workerPool       *worker.Pool
	ctx              context.Context
	cancel           context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("safewrite_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	// Start Redis container
	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to run migrations: %v", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	recordRepo := postgres.NewIdempotencyRepository(pool)
	notificationRepo := postgres.NewNotificationRepository(pool)
	endpointRepo := postgres.NewEndpointRepository(pool)
	txRunner := postgres.NewTxRunner(pool)

	// Use unique namespace to avoid duplicate metric registration across tests
	metricsNamespace := fmt.Sprintf("safewrite_test_%d", rand.Int63())
	metrics := observability.NewMetrics(metricsNamespace)
	healthHandler := observability.NewHealthHandler(pool)

	coordinator := mutation.NewCoordinator(
		mutation.DefaultConfig(),
		recordRepo,
		notificationRepo,
		endpointRepo,
		txRunner,
		clock.RealClock{},
		logger,
	).WithMetrics(metrics)

	handler := api.NewHandler(endpointRepo, notificationRepo, clock.RealClock{}, logger).
		WithCoordinator(coordinator)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	rateLimiter := resilience.NewRedisRateLimiter(redisClient, resilience.DefaultRedisRateLimiterConfig(), logger)
	circuitBreaker := resilience.NewMemoryCircuitBreaker(resilience.DefaultCircuitBreakerConfig())

	httpClient := &http.Client{Timeout: 10 * time.Second}

	// Fast retry cadence so failure tests complete in seconds
	retryPolicy := retry.Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          0,
		MaxAttempts:     5,
	}

	workerPool := worker.NewPool(
		worker.Config{
			Concurrency:  2,
			PollInterval: 50 * time.Millisecond,
			BatchSize:    10,
			Timeout:      5 * time.Second,
		},
		notificationRepo,
		endpointRepo,
		httpClient,
		clock.RealClock{},
		retryPolicy,
		logger,
	).WithMetrics(metrics).WithResilience(rateLimiter, circuitBreaker)

	return &testEnv{
		pgContainer:      pgContainer,
		redisContainer:   redisContainer,
		pool:             pool,
		redisClient:      redisClient,
		handler:          router,
		coordinator:      coordinator,
		notificationRepo: notificationRepo,
		endpointRepo:     endpointRepo,
		workerPool:       workerPool,
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.workerPool.Stop()
	e.pool.Close()
	e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

// createEndpoint registers a subscriber over the API and returns its id.
func (e *testEnv) createEndpoint(t *testing.T, tenantID, url string, eventTypes []string, secret string) string {
	t.Helper()

	payload := map[string]interface{}{
		"url":         url,
		"event_types": eventTypes,
		"rate_limit":  100,
	}
	if secret != "" {
		payload["secret"] = secret
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest(http.MethodPost, "/endpoints", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, tenantID)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse create response: %v", err)
	}
	return created.ID
}

// TestEndToEndNotificationDelivery drives a write through the coordinator and
// verifies the resulting notification reaches the subscriber:
// 1. Register an endpoint over the API
// 2. Execute a mutation that emits an event
// 3. Verify the worker delivers a signed webhook to the destination
func TestEndToEndNotificationDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	workerCtx, workerCancel := context.WithCancel(env.ctx)
	defer workerCancel()
	env.workerPool.Start(workerCtx)

	const secret = "whsec_integration"

	type received struct {
		body      []byte
		signature string
		eventType string
	}
	webhookReceived := make(chan received, 1)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		webhookReceived <- received{
			body:      body,
			signature: r.Header.Get(worker.SignatureHeader),
			eventType: r.Header.Get("X-Safewrite-Event-Type"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	env.createEndpoint(t, "tenant_e2e", mockServer.URL, []string{"record.updated"}, secret)

	// Execute a write against the safety layer that fans out one event
	outcome, err := env.coordinator.Execute(env.ctx, mutation.Request{
		TenantID:       "tenant_e2e",
		Method:         http.MethodPut,
		Path:           "/records/rec_001",
		Body:           []byte(`{"title":"integration"}`),
		IdempotencyKey: "idem_e2e_001",
	}, func(ctx context.Context) (*mutation.Result, error) {
		return &mutation.Result{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        json.RawMessage(`{"id":"rec_001","title":"integration"}`),
			Events: []mutation.Event{
				{Type: "record.updated", Payload: json.RawMessage(`{"record_id":"rec_001"}`)},
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("coordinator execute failed: %v", err)
	}
	if outcome.Kind != mutation.Success {
		t.Fatalf("expected Success outcome, got %v", outcome.Kind)
	}

	select {
	case got := <-webhookReceived:
		if got.eventType != "record.updated" {
			t.Errorf("expected event type 'record.updated', got: %s", got.eventType)
		}

		var envelope struct {
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(got.body, &envelope); err != nil {
			t.Fatalf("failed to parse delivery body: %v", err)
		}
		if envelope.EventType != "record.updated" {
			t.Errorf("expected envelope event type 'record.updated', got: %s", envelope.EventType)
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(got.body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if got.signature != want {
			t.Errorf("signature mismatch: got %s, want %s", got.signature, want)
		}

	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for webhook delivery")
	}

	// Give worker time to update database status
	time.Sleep(500 * time.Millisecond)

	var status string
	err = env.pool.QueryRow(env.ctx,
		"SELECT status FROM notifications WHERE tenant_id = $1", "tenant_e2e",
	).Scan(&status)
	if err != nil {
		t.Fatalf("failed to query notification status: %v", err)
	}
	if status != "delivered" {
		t.Errorf("expected notification status 'delivered', got: %s", status)
	}

	var recordStatus string
	err = env.pool.QueryRow(env.ctx,
		"SELECT status FROM idempotency_records WHERE tenant_id = $1", "tenant_e2e",
	).Scan(&recordStatus)
	if err != nil {
		t.Fatalf("failed to query idempotency record: %v", err)
	}
	if recordStatus != "completed" {
		t.Errorf("expected idempotency record 'completed', got: %s", recordStatus)
	}
}

// TestConcurrentDuplicatesExecuteOnce races identical writes against the
// insert-if-absent claim. Exactly one execution reaches the mutation; the
// rest observe a replay or a transient conflict.
func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	const racers = 10

	var mu sync.Mutex
	executions := 0

	var wg sync.WaitGroup
	outcomes := make([]mutation.Outcome, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.coordinator.Execute(env.ctx, mutation.Request{
				TenantID:       "tenant_race",
				Method:         http.MethodPost,
				Path:           "/records",
				Body:           []byte(`{"title":"raced"}`),
				IdempotencyKey: "idem_race_001",
			}, func(ctx context.Context) (*mutation.Result, error) {
				mu.Lock()
				executions++
				mu.Unlock()
				// Hold the claim long enough for the race to matter
				time.Sleep(100 * time.Millisecond)
				return &mutation.Result{
					StatusCode:  http.StatusCreated,
					ContentType: "application/json",
					Body:        json.RawMessage(`{"id":"rec_raced"}`),
				}, nil
			})
		}(i)
	}
	wg.Wait()

	successes, replays, conflicts := 0, 0, 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d failed: %v", i, errs[i])
		}
		switch outcomes[i].Kind {
		case mutation.Success:
			successes++
		case mutation.Replayed:
			replays++
		case mutation.Conflict:
			conflicts++
		default:
			t.Errorf("racer %d got unexpected outcome %v", i, outcomes[i].Kind)
		}
	}

	if successes != 1 {
		t.Errorf("expected exactly 1 success, got %d", successes)
	}
	if executions != 1 {
		t.Errorf("expected mutation to run once, ran %d times", executions)
	}
	if replays+conflicts != racers-1 {
		t.Errorf("expected %d replays+conflicts, got %d replays and %d conflicts",
			racers-1, replays, conflicts)
	}
	t.Logf("race outcome: 1 success, %d replays, %d conflicts", replays, conflicts)

	// A retry of a conflicted request replays the recorded response
	replayed, err := env.coordinator.Execute(env.ctx, mutation.Request{
		TenantID:       "tenant_race",
		Method:         http.MethodPost,
		Path:           "/records",
		Body:           []byte(`{"title":"raced"}`),
		IdempotencyKey: "idem_race_001",
	}, func(ctx context.Context) (*mutation.Result, error) {
		t.Error("retry must not re-execute the mutation")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if replayed.Kind != mutation.Replayed {
		t.Errorf("expected retry to replay, got %v", replayed.Kind)
	}
	if replayed.Snapshot.StatusCode != http.StatusCreated {
		t.Errorf("expected replayed status 201, got %d", replayed.Snapshot.StatusCode)
	}

	var records int
	if err := env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM idempotency_records WHERE tenant_id = $1", "tenant_race",
	).Scan(&records); err != nil {
		t.Fatalf("failed to count idempotency records: %v", err)
	}
	if records != 1 {
		t.Errorf("expected 1 idempotency record, got %d", records)
	}
}

// TestLeaseBatchClaimsExclusively verifies that concurrent lease calls never
// hand the same notification to two workers.
func TestLeaseBatchClaimsExclusively(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	const total = 20
	now := time.Now().UTC()

	endpointID := env.createEndpoint(t, "tenant_lease", "http://localhost:1/never", []string{"*"}, "")

	for i := 0; i < total; i++ {
		n := &domain.Notification{
			ID:          fmt.Sprintf("n_lease_%02d", i),
			TenantID:    "tenant_lease",
			EndpointID:  endpointID,
			EventType:   "record.updated",
			Payload:     json.RawMessage(fmt.Sprintf(`{"index":%d}`, i)),
			Status:      domain.NotificationStatusQueued,
			MaxAttempts: 5,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := env.notificationRepo.Enqueue(env.ctx, n); err != nil {
			t.Fatalf("failed to enqueue notification %d: %v", i, err)
		}
	}

	const leasers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]int)

	for i := 0; i < leasers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := env.notificationRepo.LeaseBatch(env.ctx, 5, time.Now().UTC())
				if err != nil {
					t.Errorf("lease failed: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, n := range batch {
					claimed[n.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("expected %d notifications claimed, got %d", total, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("notification %s claimed %d times", id, count)
		}
	}
}

// TestRetryThenDeliver sends against a destination that fails twice before
// accepting, and checks the attempt audit trail.
func TestRetryThenDeliver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	workerCtx, workerCancel := context.WithCancel(env.ctx)
	defer workerCancel()
	env.workerPool.Start(workerCtx)

	attemptCount := 0
	var attemptMu sync.Mutex
	webhookReceived := make(chan bool, 1)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptMu.Lock()
		attemptCount++
		n := attemptCount
		attemptMu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		webhookReceived <- true
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	env.createEndpoint(t, "tenant_retry", mockServer.URL, []string{"record.*"}, "")

	outcome, err := env.coordinator.Execute(env.ctx, mutation.Request{
		TenantID:       "tenant_retry",
		Method:         http.MethodPut,
		Path:           "/records/rec_retry",
		Body:           []byte(`{"title":"flaky"}`),
		IdempotencyKey: "idem_retry_001",
	}, func(ctx context.Context) (*mutation.Result, error) {
		return &mutation.Result{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        json.RawMessage(`{"id":"rec_retry"}`),
			Events: []mutation.Event{
				{Type: "record.updated", Payload: json.RawMessage(`{"record_id":"rec_retry"}`)},
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("coordinator execute failed: %v", err)
	}
	if outcome.Kind != mutation.Success {
		t.Fatalf("expected Success outcome, got %v", outcome.Kind)
	}

	select {
	case <-webhookReceived:
		attemptMu.Lock()
		n := attemptCount
		attemptMu.Unlock()
		t.Logf("webhook delivered after %d attempts", n)
		if n < 3 {
			t.Errorf("expected at least 3 attempts, got %d", n)
		}

	case <-time.After(30 * time.Second):
		attemptMu.Lock()
		n := attemptCount
		attemptMu.Unlock()
		t.Fatalf("timeout waiting for webhook delivery, attempts: %d", n)
	}

	// Allow status update to propagate
	time.Sleep(500 * time.Millisecond)

	var status string
	var notificationID string
	err = env.pool.QueryRow(env.ctx,
		"SELECT id, status FROM notifications WHERE tenant_id = $1", "tenant_retry",
	).Scan(&notificationID, &status)
	if err != nil {
		t.Fatalf("failed to query notification: %v", err)
	}
	if status != "delivered" {
		t.Errorf("expected status 'delivered', got: %s", status)
	}

	attempts, err := env.notificationRepo.GetAttemptsByNotificationID(env.ctx, notificationID)
	if err != nil {
		t.Fatalf("failed to load attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d has number %d", i, a.AttemptNumber)
		}
	}
	if len(attempts) == 3 {
		if attempts[0].StatusCode == nil || *attempts[0].StatusCode != http.StatusInternalServerError {
			t.Errorf("expected first attempt to record 500")
		}
		if attempts[2].StatusCode == nil || *attempts[2].StatusCode != http.StatusOK {
			t.Errorf("expected final attempt to record 200")
		}
	}
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("expected status 'ok', got: %v", response["status"])
	}
}
