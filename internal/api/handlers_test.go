package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-relay/internal/auth"
	"sms-relay/internal/db"
	"sms-relay/internal/distribution"
	"sms-relay/internal/health"
	"sms-relay/internal/idempotency"
	"sms-relay/internal/intake"
	"sms-relay/internal/kv"
	"sms-relay/internal/provider"
	"sms-relay/internal/queue"
	"sms-relay/internal/rate"
	"sms-relay/internal/requests"
)

type apiFixture struct {
	app   *fiber.App
	mock  sqlmock.Sqlmock
	mr    *miniredis.Miniredis
	queue *queue.Queue
}

func newTestAPI(t *testing.T, globalLimit int64, adminKeyHash string) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kvStore := kv.New(client)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := zap.NewNop()
	store := requests.NewStore(&db.PostgresDB{DB: mockDB}, logger)

	registry, err := provider.NewRegistry([]provider.Provider{
		{ID: "provider1", URL: "http://provider1.local/api/sms", Weight: 1},
		{ID: "provider2", URL: "http://provider2.local/api/sms", Weight: 1},
		{ID: "provider3", URL: "http://provider3.local/api/sms", Weight: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	limiter := rate.NewLimiter(kvStore, logger, time.Second, 50, globalLimit, registry.IDs())
	tracker := health.NewTracker(kvStore, logger, 10*time.Second, 0.7, 10, registry.IDs())
	selector := distribution.NewSelector(registry, kvStore, tracker, limiter, logger)
	q := queue.New(kvStore, logger, 30*time.Second)
	idem := idempotency.NewStore(kvStore, logger)
	intakeSvc := intake.NewService(limiter, store, q, idem, logger, nil)

	app := fiber.New()
	handlers := NewHandlers(logger, intakeSvc, store, limiter, tracker, selector, q, registry, kvStore)
	SetupRoutes(app, logger, nil, handlers, adminKeyHash)

	return &apiFixture{app: app, mock: mock, mr: mr, queue: q}
}

func (f *apiFixture) postJSON(t *testing.T, path, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func (f *apiFixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestSendSMSQueuesRequest(t *testing.T) {
	f := newTestAPI(t, 100, "")
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, body := f.postJSON(t, "/api/v1/sms", `{"phone":"+15550001111","text":"hello"}`, nil)
	if status != 202 {
		t.Fatalf("Expected status 202, got %d: %s", status, body)
	}

	var out struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.RequestID, "msg_") {
		t.Errorf("request_id = %s, want msg_ prefix", out.RequestID)
	}
	if out.Status != "queued" {
		t.Errorf("status = %s, want queued", out.Status)
	}

	task, err := f.queue.Dequeue(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if task.RequestID != out.RequestID {
		t.Errorf("enqueued id = %s, want %s", task.RequestID, out.RequestID)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSendSMSValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing phone", `{"text":"hello"}`},
		{"missing text", `{"phone":"+15550001111"}`},
		{"phone without plus", `{"phone":"15550001111","text":"hello"}`},
		{"phone with letters", `{"phone":"+1555ABC1111","text":"hello"}`},
		{"text too long", `{"phone":"+15550001111","text":"` + strings.Repeat("x", 1601) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestAPI(t, 100, "")
			status, _ := f.postJSON(t, "/api/v1/sms", tt.body, nil)
			if status != 400 {
				t.Errorf("Expected status 400, got %d", status)
			}
			// Nothing was admitted or persisted.
			if err := f.mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSendSMSGlobalRateLimit(t *testing.T) {
	f := newTestAPI(t, 1, "")
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, _ := f.postJSON(t, "/api/v1/sms", `{"phone":"+15550001111","text":"hello"}`, nil)
	if status != 202 {
		t.Fatalf("Expected status 202, got %d", status)
	}

	req := httptest.NewRequest("POST", "/api/v1/sms", strings.NewReader(`{"phone":"+15550001111","text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 429 {
		t.Fatalf("Expected status 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	var out struct {
		Count int64 `json:"count"`
		Limit int64 `json:"limit"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Limit != 1 || out.Count != 2 {
		t.Errorf("count/limit = %d/%d, want 2/1", out.Count, out.Limit)
	}

	// The denied intake persisted nothing: only the first INSERT ran.
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSendSMSIdempotencyKeyReplay(t *testing.T) {
	f := newTestAPI(t, 100, "")
	// Only the first request inserts a row.
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	headers := map[string]string{"Idempotency-Key": "order-42"}
	status, body := f.postJSON(t, "/api/v1/sms", `{"phone":"+15550001111","text":"hello"}`, headers)
	if status != 202 {
		t.Fatalf("Expected status 202, got %d: %s", status, body)
	}
	var first struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatal(err)
	}

	status, body = f.postJSON(t, "/api/v1/sms", `{"phone":"+15550001111","text":"hello"}`, headers)
	if status != 202 {
		t.Fatalf("replay: Expected status 202, got %d: %s", status, body)
	}
	var second struct {
		RequestID string `json:"request_id"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatal(err)
	}
	if second.RequestID != first.RequestID {
		t.Errorf("replay id = %s, want %s", second.RequestID, first.RequestID)
	}
	if !second.Duplicate {
		t.Error("replay response not marked duplicate")
	}

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	f := newTestAPI(t, 100, "")
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM requests WHERE id = $1")).
		WithArgs("msg_ghost").
		WillReturnError(sql.ErrNoRows)

	status, body := f.get(t, "/api/v1/requests/msg_ghost")
	if status != 404 {
		t.Errorf("Expected status 404, got %d", status)
	}
	if !bytes.Contains(body, []byte("request not found")) {
		t.Errorf("body = %s", body)
	}
}

func TestListRequestsRejectsBadFilters(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"unknown status", "/api/v1/requests?status=BOGUS"},
		{"bad since", "/api/v1/requests?since=yesterday"},
		{"bad until", "/api/v1/requests?until=2025-13-99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestAPI(t, 100, "")
			status, _ := f.get(t, tt.path)
			if status != 400 {
				t.Errorf("Expected status 400, got %d", status)
			}
		})
	}
}

func TestGetRateLimits(t *testing.T) {
	f := newTestAPI(t, 100, "")

	status, body := f.get(t, "/api/v1/rate-limits")
	if status != 200 {
		t.Fatalf("Expected status 200, got %d", status)
	}

	var stats []rate.ScopeStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 4 {
		t.Fatalf("scopes = %d, want 4", len(stats))
	}
	if stats[0].Scope != "global" || stats[0].Limit != 100 {
		t.Errorf("global scope = %+v", stats[0])
	}
}

func TestResetProviderHealthUnknownProvider(t *testing.T) {
	f := newTestAPI(t, 100, "")

	status, body := f.postJSON(t, "/api/v1/health/providers/provider9/reset", "", nil)
	if status != 404 {
		t.Errorf("Expected status 404, got %d: %s", status, body)
	}
}

func TestAdminEndpointsRequireAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("sekrit")
	if err != nil {
		t.Fatal(err)
	}
	f := newTestAPI(t, 100, hash)

	status, _ := f.postJSON(t, "/api/v1/distribution/reset", "", nil)
	if status != 401 {
		t.Errorf("no key: Expected status 401, got %d", status)
	}

	status, _ = f.postJSON(t, "/api/v1/distribution/reset", "", map[string]string{"X-API-Key": "wrong"})
	if status != 401 {
		t.Errorf("wrong key: Expected status 401, got %d", status)
	}

	status, body := f.postJSON(t, "/api/v1/distribution/reset", "", map[string]string{"X-API-Key": "sekrit"})
	if status != 200 {
		t.Errorf("right key: Expected status 200, got %d: %s", status, body)
	}

	// Reads stay open.
	status, _ = f.get(t, "/api/v1/distribution")
	if status != 200 {
		t.Errorf("read view: Expected status 200, got %d", status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestAPI(t, 100, "")

	status, body := f.get(t, "/healthz")
	if status != 200 {
		t.Errorf("Expected status 200, got %d", status)
	}
	if !bytes.Contains(body, []byte(`"ok"`)) {
		t.Errorf("body = %s", body)
	}
}

func TestReadyReportsRedisDown(t *testing.T) {
	f := newTestAPI(t, 100, "")
	f.mr.Close()

	status, body := f.get(t, "/readyz")
	if status != 503 {
		t.Errorf("Expected status 503, got %d", status)
	}
	if !bytes.Contains(body, []byte("redis")) {
		t.Errorf("body = %s", body)
	}
}

func TestGetStats(t *testing.T) {
	f := newTestAPI(t, 100, "")
	f.mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("SUCCEEDED", 12).
			AddRow("PENDING", 2))

	status, body := f.get(t, "/api/v1/stats")
	if status != 200 {
		t.Fatalf("Expected status 200, got %d: %s", status, body)
	}

	var out struct {
		Requests map[string]int `json:"requests"`
		Queue    queue.Depths   `json:"queue"`
		Uptime   int64          `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Requests["SUCCEEDED"] != 12 {
		t.Errorf("succeeded count = %d, want 12", out.Requests["SUCCEEDED"])
	}
	if out.Uptime < 0 {
		t.Errorf("uptime = %d", out.Uptime)
	}
}

func TestSwaggerDocServed(t *testing.T) {
	f := newTestAPI(t, 100, "")

	status, body := f.get(t, "/docs/swagger.json")
	if status != 200 {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("swagger doc is not JSON: %v", err)
	}
	if doc["swagger"] != "2.0" {
		t.Errorf("swagger version = %v, want 2.0", doc["swagger"])
	}
}
