package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/withme/internal/config"
	"example.com/withme/internal/domain"
	"example.com/withme/internal/geo"
	"example.com/withme/internal/ingest"
	"example.com/withme/internal/ratelimit"
	"example.com/withme/internal/stats"
	"example.com/withme/internal/storage/bolt"
	"example.com/withme/internal/stream"
	"example.com/withme/internal/testutil"
)

const validPing = `{"typo3_version":"13.4.2","php_version":"8.3","event":"new_install","project_hash":"a1b2c3d4e5f60708"}`

func testConfig() config.Config {
	return config.Config{
		CORSOrigin:   "https://typo3.org",
		RateLimit:    config.RateLimitConfig{MaxRequests: 10, WindowSeconds: 60},
		MaxBodyBytes: 1 << 10,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (http.Handler, *testutil.FakeClock) {
	t.Helper()
	deps, clock := newTestDeps(t, cfg, stream.Config{
		PollInterval: 5 * time.Millisecond,
		MaxLifetime:  30 * time.Millisecond,
		BatchSize:    20,
		Retry:        3 * time.Second,
	})
	return deps.Router(), clock
}

func newTestDeps(t *testing.T, cfg config.Config, streamCfg stream.Config) (*ServerDeps, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	store, err := bolt.Open(filepath.Join(t.TempDir(), "http.db"), clock.Now, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)
	limiter, err := ratelimit.New(store, ratelimit.Config{MaxRequests: cfg.RateLimit.MaxRequests, Window: cfg.RateLimit.Window()}, clock.Now, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	hub := stream.NewHub()
	deps := &ServerDeps{
		Cfg:     cfg,
		Gateway: ingest.NewGateway(store, limiter, geo.Nop{}, hub, testutil.Logger()),
		Stats:   stats.New(store, time.Minute, clock.Now, testutil.Logger()),
		Stream:  stream.NewBroadcaster(store, hub, streamCfg, testutil.Logger()),
		Store:   store,
		Logger:  testutil.Logger(),
	}
	return deps, clock
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var p Problem
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	rec := do(h, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://typo3.org" {
		t.Error("CORS header missing")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id missing")
	}
}

func TestReady(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	if rec := do(h, http.MethodGet, "/v1/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}

	deps := &ServerDeps{Cfg: testConfig(), Store: downStore{}}
	rec := do(deps.Router(), http.MethodGet, "/v1/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with storage down = %d", rec.Code)
	}
}

type downStore struct{}

func (downStore) Ready(context.Context) error { return errors.New("connection refused") }

func TestPreflight(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	rec := do(h, http.MethodOptions, "/v1/ping", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Last-Event-ID" {
		t.Errorf("Allow-Headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q", got)
	}
}

func TestPingStoresEvent(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	rec := do(h, http.MethodPost, "/v1/ping", validPing)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ping = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var snap stats.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalInstalls != 1 || snap.TodayCount != 1 || snap.Versions.Get("13.4") != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPingErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		fields []string
	}{
		{"not json", `{nope`, http.StatusBadRequest, nil},
		{"array", `[]`, http.StatusBadRequest, nil},
		{"too large", `{"os":"` + strings.Repeat("x", 2<<10) + `"}`, http.StatusBadRequest, nil},
		{"bad version", strings.Replace(validPing, "13.4.2", "13", 1), http.StatusUnprocessableEntity, []string{"typo3_version"}},
		{"empty object", `{}`, http.StatusUnprocessableEntity, []string{"typo3_version", "php_version", "event", "project_hash"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestServer(t, testConfig())
			rec := do(h, http.MethodPost, "/v1/ping", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			p := decodeProblem(t, rec)
			if p.Error == "" || p.Status != tc.status {
				t.Errorf("problem = %+v", p)
			}
			for _, f := range tc.fields {
				if len(p.Errors[f]) == 0 {
					t.Errorf("field %s not reported in %v", f, p.Errors)
				}
				if !strings.Contains(p.Error, f) {
					t.Errorf("error %q does not mention %s", p.Error, f)
				}
			}
		})
	}
}

func TestPingRateLimited(t *testing.T) {
	h, clock := newTestServer(t, testConfig())
	for i := range 10 {
		if rec := do(h, http.MethodPost, "/v1/ping", validPing); rec.Code != http.StatusCreated {
			t.Fatalf("ping %d = %d", i+1, rec.Code)
		}
	}
	rec := do(h, http.MethodPost, "/v1/ping", validPing)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th ping = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	clock.Advance(61 * time.Second)
	if rec := do(h, http.MethodPost, "/v1/ping", validPing); rec.Code != http.StatusCreated {
		t.Fatalf("ping after window = %d", rec.Code)
	}
}

func TestPingForwardedFor(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRequests = 1
	cfg.TrustProxyHeaders = true
	h, _ := newTestServer(t, cfg)

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/ping", strings.NewReader(validPing))
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("203.0.113.7, 10.0.0.1"); code != http.StatusCreated {
		t.Fatalf("first client = %d", code)
	}
	if code := send("203.0.113.8, 10.0.0.1"); code != http.StatusCreated {
		t.Fatalf("second client = %d", code)
	}
	if code := send("203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("first client again = %d", code)
	}
}

type brokenGateway struct{}

func (brokenGateway) Submit(context.Context, []byte, string) (int64, error) {
	return 0, &domain.StorageError{Op: "append", Err: errors.New("disk full")}
}

func TestPingStorageFailure(t *testing.T) {
	deps := &ServerDeps{Cfg: testConfig(), Gateway: brokenGateway{}}
	rec := do(deps.Router(), http.MethodPost, "/v1/ping", validPing)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if p := decodeProblem(t, rec); strings.Contains(p.Error, "disk full") {
		t.Errorf("internal error leaked: %q", p.Error)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/ping"},
		{http.MethodPost, "/v1/stats"},
		{http.MethodPost, "/v1/stream"},
	} {
		if rec := do(h, tc.method, tc.path, ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	for range 3 {
		if rec := do(h, http.MethodPost, "/v1/ping", validPing); rec.Code != http.StatusCreated {
			t.Fatalf("ping = %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" || rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("missing streaming headers: %v", rec.Header())
	}
	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Error("event before cursor was delivered")
	}
	if !strings.Contains(body, "id: 2\n") || !strings.Contains(body, "id: 3\n") {
		t.Errorf("events after cursor missing:\n%s", body)
	}
	if strings.Index(body, "id: 2\n") > strings.Index(body, "id: 3\n") {
		t.Error("events out of order")
	}
	if !strings.Contains(body, `"version":"13.4.2","event_type":"new_install"`) {
		t.Errorf("payload missing:\n%s", body)
	}
}

func TestStreamLastIDQuery(t *testing.T) {
	h, _ := newTestServer(t, testConfig())
	do(h, http.MethodPost, "/v1/ping", validPing)
	do(h, http.MethodPost, "/v1/ping", validPing)

	rec := do(h, http.MethodGet, "/v1/stream?lastId=2", "")
	if strings.Contains(rec.Body.String(), "id: ") {
		t.Errorf("nothing should follow id 2:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "retry: 3000") {
		t.Error("retry hint missing")
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientAddr(req, false); got != "192.0.2.10:5555" {
		t.Errorf("untrusted = %q", got)
	}
	if got := ClientAddr(req, true); got != "203.0.113.9" {
		t.Errorf("trusted = %q", got)
	}
}
