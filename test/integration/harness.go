// Package integration provides a reusable test harness for end-to-end
// integration testing of the traveler server. It starts a full HTTP server
// with in-memory stores, a scriptable dispatch backend and a recording Kafka
// writer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/idempotency"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/internal/transport"
	"github.com/pitabwire/traveler/internal/workorder"
)

// TestHarness encapsulates a fully wired traveler instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Table           *stage.Table
	OAIndex         *openapi.Index
	WorkOrders      *workorder.MemoryStore
	DispatchBackend *MockDispatchBackend
	Breaker         *dispatch.Breaker
	Kafka           *RecordingWriter
	Idempotency     idempotency.Store
	Metrics         *observability.Metrics
	Registry        *prometheus.Registry
	Redis           *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	stagesFile     string
	breaker        config.CircuitBreakerConfig
	redis          bool
	kafka          bool
	handlerTimeout time.Duration
	now            func() time.Time
}

// WithStagesFile loads the stage table from a file under testdata instead of
// the built-in table.
func WithStagesFile(name string) HarnessOption {
	return func(c *harnessConfig) {
		c.stagesFile = filepath.Join(testdataDir(), name)
	}
}

// WithCircuitBreaker overrides the dispatch breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithRedisIdempotency backs the idempotency store with an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithKafka publishes created dispatch records to the recording writer.
func WithKafka() HarnessOption {
	return func(c *harnessConfig) {
		c.kafka = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithClock fixes the time the transfer executor stamps on records.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.now = now
	}
}

// NewTestHarness creates and starts a full traveler test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	// Step 1: Stage table and API document.
	var err error
	h.Table, err = stage.Load(hc.stagesFile)
	if err != nil {
		t.Fatalf("load stage table: %v", err)
	}
	h.OAIndex, err = openapi.Load()
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	// Step 2: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	h.Metrics.SetStagesLoaded(len(h.Table.Stages()))

	// Step 3: Stores.
	h.WorkOrders = workorder.NewMemoryStore()
	h.DispatchBackend = newMockDispatchBackend()
	h.Breaker = dispatch.NewBreaker(hc.breaker.FailureThreshold, hc.breaker.SuccessThreshold, hc.breaker.Timeout,
		dispatch.WithStateListener(h.Metrics.SetBreakerState))
	var dispatches dispatch.Store = dispatch.NewGuardedStore(h.DispatchBackend, h.Breaker)

	h.Kafka = &RecordingWriter{}
	if hc.kafka {
		publisher := dispatch.NewPublisher(h.Kafka, time.Second)
		dispatches = dispatch.NewPublishingStore(dispatches, publisher, logger)
	}

	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.Idempotency = idempotency.NewRedisStore(client)
	} else {
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 4: Transfer executor.
	execOpts := []transfer.Option{transfer.WithObserver(h.Metrics)}
	if hc.now != nil {
		execOpts = append(execOpts, transfer.WithClock(hc.now))
	}
	executor := transfer.NewExecutor(h.Table, h.WorkOrders, dispatches, execOpts...)

	// Step 5: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}

	// Step 6: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Table:          h.Table,
		Executor:       executor,
		WorkOrders:     h.WorkOrders,
		Dispatches:     dispatches,
		OpenAPI:        h.OAIndex,
		Idempotency:    h.Idempotency,
		IdempotencyTTL: time.Hour,
		Metrics:        h.Metrics,
		Gatherer:       h.Registry,
		Readiness: observability.ReadinessChecks{
			StageTableLoaded: func() bool { return len(h.Table.Stages()) > 0 },
			OpenAPILoaded:    func() bool { return len(h.OAIndex.OperationIDs()) > 0 },
			WorkOrderStore:   h.WorkOrders,
			DispatchStore:    dispatches,
			IdempotencyStore: h.Idempotency,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, headers)
}

// Do performs an arbitrary request.
func (h *TestHarness) Do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	case []byte:
		bodyReader = strings.NewReader(string(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) ErrorBody {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
	return body
}

// --- Domain helpers ---

// CreateWorkOrder posts doc to the intake endpoint and returns the stored
// work order's id.
func (h *TestHarness) CreateWorkOrder(t *testing.T, doc map[string]any) string {
	t.Helper()
	var created map[string]any
	h.AssertJSON(t, h.POST("/api/work-orders", doc), http.StatusCreated, &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created work order has no id: %s", FormatJSON(created))
	}
	return id
}

// Transfer moves id out of from as actor.
func (h *TestHarness) Transfer(id, from, actor string) *http.Response {
	h.t.Helper()
	return h.POSTWithHeaders("/api/work-orders/"+id+"/transfer",
		map[string]string{"fromStage": from},
		map[string]string{transport.HeaderActorID: actor})
}

// MustTransfer transfers and decodes a successful response.
func (h *TestHarness) MustTransfer(t *testing.T, id, from, actor string) TransferBody {
	t.Helper()
	var body TransferBody
	h.AssertJSON(t, h.Transfer(id, from, actor), http.StatusOK, &body)
	return body
}

// TransferBody is the decoded transfer response.
type TransferBody struct {
	WorkOrder map[string]any `json:"workOrder"`
	Transition struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Terminal bool   `json:"terminal"`
	} `json:"transition"`
	Dispatch *struct {
		ID          string   `json:"id"`
		WorkOrderID string   `json:"workOrderId"`
		Stage       string   `json:"stage"`
		Tags        []string `json:"tags"`
		Items       []struct {
			Name     string `json:"name"`
			Quantity int    `json:"quantity"`
		} `json:"items"`
	} `json:"dispatch"`
	Warnings []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"warnings"`
}

// ErrorBody is the decoded error envelope.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field   string `json:"field"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"details"`
		TraceID string `json:"trace_id"`
	} `json:"error"`
}

// MetricsText scrapes the metrics endpoint.
func (h *TestHarness) MetricsText(t *testing.T) string {
	t.Helper()
	resp := h.GET("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	return string(h.ReadBody(resp))
}

// --- Fixtures ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// WorkOrderFixture returns a minimal intake document.
func WorkOrderFixture(number, stageID string) map[string]any {
	return map[string]any{
		"woNumber": number,
		"stage":    stageID,
		"customer": "Acme Instruments",
		"product":  "Sensor board",
		"priority": "normal",
		"quantity": 25,
	}
}

// ReadyFixture returns an intake document that satisfies every readiness
// flag of the given stages, so the work order can be walked through them.
func ReadyFixture(table *stage.Table, number, start string, stages ...string) map[string]any {
	doc := WorkOrderFixture(number, start)
	doc["attachments"] = []map[string]any{{
		"id": "att-1", "name": "traveler.pdf", "category": "intake",
	}}
	for _, id := range append([]string{start}, stages...) {
		s, err := table.Lookup(id)
		if err != nil {
			continue
		}
		MarkReady(doc, s.FieldBase)
	}
	return doc
}

// MarkReady fills the checklist, parameters and status of one stage.
func MarkReady(doc map[string]any, fieldBase string) {
	doc[fieldBase+"Checklist"] = map[string]any{
		"setup": map[string]any{"items": []map[string]any{{"label": "Verified", "completed": true}}},
	}
	doc[fieldBase+"Params"] = map[string]any{"recipe": "default"}
	doc[fieldBase+"Status"] = map[string]any{"state": "approved"}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
