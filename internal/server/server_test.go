package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/cache/local"
	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/server/handler"
	"github.com/alanyoungcy/slabscan/internal/server/ws"
	"github.com/alanyoungcy/slabscan/internal/service"
	"github.com/alanyoungcy/slabscan/internal/store/memory"
)

const testKey = "s3cret"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTrigger struct {
	running   atomic.Bool
	triggered atomic.Int32
}

func (f *fakeTrigger) Running() bool { return f.running.Load() }

func (f *fakeTrigger) Trigger() bool { return f.triggered.Add(1) == 1 }

type fixture struct {
	opps    *memory.OpportunityStore
	runs    *memory.ScanRunStore
	trigger *fakeTrigger
	handler http.Handler
}

func newFixture(t *testing.T, cfg Config, withTrigger bool, limiter domain.RateLimiter) *fixture {
	t.Helper()
	f := &fixture{
		opps:    memory.NewOpportunityStore(),
		runs:    memory.NewScanRunStore(0),
		trigger: &fakeTrigger{},
	}
	svc := service.NewOpportunityService(f.opps, f.runs, quiet)

	var trig handler.ScanTrigger
	if withTrigger {
		trig = f.trigger
	}
	srv := NewServer(cfg, Handlers{
		Health:        handler.NewHealthHandler(time.Now()),
		Opportunities: handler.NewOpportunityHandler(svc, quiet),
		Scans:         handler.NewScanHandler(svc, trig, quiet),
		Status: handler.NewStatusHandler(handler.StatusInfo{
			Mode:        "full",
			CatalogSize: 3,
			Threshold:   "0.15",
			StartedAt:   time.Now(),
		}, svc, trig, quiet),
	}, nil, limiter, quiet)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) seed(t *testing.T, id, price string) {
	t.Helper()
	_, _, err := f.opps.Upsert(context.Background(), domain.OpportunityUpsert{
		ListingID:      id,
		ItemKey:        "charizard",
		Title:          "Charizard PSA 10",
		URL:            "https://www.ebay.com.au/itm/" + id,
		Price:          decimal.RequireFromString(price),
		BenchmarkValue: decimal.NewFromInt(1000),
		ObservedAt:     time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func bearer() http.Header {
	return http.Header{"Authorization": {"Bearer " + testKey}}
}

func TestHealthIsExemptFromAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: testKey}, true, nil)
	if rec := f.do(http.MethodGet, "/api/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/opportunities", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/opportunities", http.Header{"X-Api-Key": {"wrong"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/opportunities", http.Header{"X-Api-Key": {testKey}}); rec.Code != http.StatusOK {
		t.Fatalf("X-API-Key = %d", rec.Code)
	}
}

func TestListOpportunitiesSortedByDiscount(t *testing.T) {
	f := newFixture(t, Config{APIKey: testKey}, true, nil)
	f.seed(t, "a", "800")
	f.seed(t, "b", "600")
	f.seed(t, "c", "700")

	rec := f.do(http.MethodGet, "/api/opportunities", bearer())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Opportunities []domain.Opportunity `json:"opportunities"`
		Count         int                  `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ids []string
	for _, o := range body.Opportunities {
		ids = append(ids, o.ListingID)
	}
	if got := strings.Join(ids, ","); got != "b,c,a" || body.Count != 3 {
		t.Fatalf("order = %s count = %d", got, body.Count)
	}
	if !body.Opportunities[0].DiscountRatio.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("discount = %s", body.Opportunities[0].DiscountRatio)
	}
}

func TestListOpportunitiesRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)
	if rec := f.do(http.MethodGet, "/api/opportunities?status=sold", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetOpportunity(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)
	f.seed(t, "123", "700")

	if rec := f.do(http.MethodGet, "/api/opportunities/123", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"listing_id":"123"`) {
		t.Fatalf("get = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodGet, "/api/opportunities/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
}

func TestScanEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)
	run := domain.ScanRun{ID: "run-1", Status: domain.ScanStatusCompleted, StartedAt: time.Now().UTC()}
	if err := f.runs.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	if rec := f.do(http.MethodGet, "/api/scans/recent", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run-1"`) {
		t.Fatalf("recent = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodGet, "/api/scans/run-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/scans/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}

	rec := f.do(http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"catalog_size":3`) || !strings.Contains(rec.Body.String(), `"run-1"`) {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
}

func TestTriggerScan(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)

	rec := f.do(http.MethodPost, "/api/scans/trigger", nil)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"queued":true`) {
		t.Fatalf("first trigger = %d %s", rec.Code, rec.Body)
	}
	rec = f.do(http.MethodPost, "/api/scans/trigger", nil)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"queued":false`) {
		t.Fatalf("coalesced trigger = %d %s", rec.Code, rec.Body)
	}

	f.trigger.running.Store(true)
	if rec := f.do(http.MethodPost, "/api/scans/trigger", nil); rec.Code != http.StatusConflict {
		t.Fatalf("trigger while running = %d", rec.Code)
	}
}

type fakeStorage struct{ err error }

func (f fakeStorage) Health(context.Context) error { return f.err }

func TestStatusReportsStorageHealth(t *testing.T) {
	svc := service.NewOpportunityService(memory.NewOpportunityStore(), memory.NewScanRunStore(0), quiet)
	newStatus := func(c handler.HealthChecker) http.Handler {
		h := handler.NewStatusHandler(handler.StatusInfo{Mode: "server", Storage: "postgres", StartedAt: time.Now()}, svc, nil, quiet).
			WithStorageCheck(c)
		return http.HandlerFunc(h.GetStatus)
	}

	rec := httptest.NewRecorder()
	newStatus(fakeStorage{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"backend":"postgres","ok":true`) {
		t.Fatalf("healthy = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	newStatus(fakeStorage{err: errors.New("connection refused")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("unhealthy = %d %s", rec.Code, rec.Body)
	}
}

func TestTriggerScanWithoutScanner(t *testing.T) {
	f := newFixture(t, Config{}, false, nil)
	if rec := f.do(http.MethodPost, "/api/scans/trigger", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("trigger = %d", rec.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerMin: 2}, true, local.NewRateLimiter(2, time.Minute))
	h := http.Header{"X-Forwarded-For": {"203.0.113.9"}}
	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodGet, "/api/health", h); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	if rec := f.do(http.MethodGet, "/api/health", h); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d", rec.Code)
	}
	other := http.Header{"X-Forwarded-For": {"198.51.100.1"}}
	if rec := f.do(http.MethodGet, "/api/health", other); rec.Code != http.StatusOK {
		t.Fatalf("other client = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{APIKey: testKey, CORSOrigins: []string{"http://localhost:5173"}}, true, nil)
	rec := f.do(http.MethodOptions, "/api/opportunities", http.Header{"Origin": {"http://localhost:5173"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
	rec = f.do(http.MethodGet, "/api/health", http.Header{"Origin": {"https://evil.example"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin echoed: %q", got)
	}
}

func TestWebsocketRelaysBusEvents(t *testing.T) {
	bus := local.NewSignalBus()
	hub := ws.NewHub(bus, ws.Config{Mode: "full"}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, hello, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(hello), `"type":"hello"`) {
		t.Fatalf("hello = %s, %v", hello, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := bus.Publish(ctx, domain.ChannelScan, []byte(`{"type":"scan_completed"}`)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != `{"type":"scan_completed"}` {
		t.Fatalf("relayed = %s, %v", msg, err)
	}
}
