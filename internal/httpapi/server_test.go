package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateattend/internal/attendance"
	"gateattend/internal/attendance/memory"
	"gateattend/internal/feed"
	"gateattend/internal/httpapi"
	"gateattend/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	ts    *httptest.Server
	store *memory.Store
}

// newTestServer wires the full dependency graph over the seeded in-memory
// store. mutate may adjust the dependencies before the server is built.
func newTestServer(t *testing.T, mutate func(*httpapi.Dependencies)) testEnv {
	t.Helper()

	st := memory.New()
	memory.SeedDemo(st)
	reg := prometheus.NewRegistry()
	svc := attendance.NewService(st, attendance.Config{Metrics: metrics.NewScan(reg)})

	d := httpapi.Dependencies{
		Logger:  log.New(io.Discard, "", 0),
		Addr:    ":0",
		Service: svc,
		Auth: httpapi.AuthConfig{
			SigningKey: "test-key",
			Issuer:     "gateattend-test",
			TTL:        time.Hour,
		},
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if mutate != nil {
		mutate(&d)
	}

	ts := httptest.NewServer(httpapi.NewServer(d).Handler())
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, store: st}
}

type scanReply struct {
	OK           bool               `json:"ok"`
	Error        string             `json:"error"`
	Student      attendance.Student `json:"student"`
	AttendanceID string             `json:"attendance_id"`
	Status       string             `json:"status"`
	ScannedAt    time.Time          `json:"scanned_at"`
	CardCreated  bool               `json:"card_created"`
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func scan(t *testing.T, env testEnv, body string) (int, scanReply) {
	t.Helper()
	resp := postJSON(t, env.ts.URL+"/v1/scan", body, nil)
	defer resp.Body.Close()
	var out scanReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

const demoScan = `{"card_uid":"NFC001234567890","device_code":"DEV001","gateway_code":"MAIN_GATE"}`

// ── Scan ─────────────────────────────────────────────────────────────────────

func TestScan_DemoCard_FirstThenSecond(t *testing.T) {
	env := newTestServer(t, nil)

	code, first := scan(t, env, demoScan)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", code, first.Error)
	}
	if !first.OK || !first.CardCreated || first.Status != "present" {
		t.Errorf("unexpected first reply: %+v", first)
	}
	if first.Student.StudentID != "STU001" || first.AttendanceID == "" || first.ScannedAt.IsZero() {
		t.Errorf("unexpected first reply: %+v", first)
	}

	code, second := scan(t, env, demoScan)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", code, second.Error)
	}
	if second.CardCreated || second.Status != "present" {
		t.Errorf("unexpected second reply: %+v", second)
	}
	if second.AttendanceID == first.AttendanceID {
		t.Error("expected a new attendance id per scan")
	}
}

func TestScan_FunctionsPathAlias(t *testing.T) {
	env := newTestServer(t, nil)

	resp := postJSON(t, env.ts.URL+"/functions/v1/scan", demoScan, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestScan_UnmappedUID_404(t *testing.T) {
	env := newTestServer(t, nil)

	code, out := scan(t, env, `{"card_uid":"UNMAPPED999","device_code":"DEV001","gateway_code":"MAIN_GATE"}`)
	if code != http.StatusNotFound || out.OK || out.Error != "student_not_found" {
		t.Fatalf("expected 404 student_not_found, got %d %+v", code, out)
	}
}

func TestScan_UnknownGateway_404_NothingWritten(t *testing.T) {
	env := newTestServer(t, nil)

	code, out := scan(t, env, `{"card_uid":"NFC001234567890","device_code":"DEV001","gateway_code":"NOPE"}`)
	if code != http.StatusNotFound || out.Error != "gateway_or_device_not_found" {
		t.Fatalf("expected 404 gateway_or_device_not_found, got %d %+v", code, out)
	}
	if len(env.store.Cards()) != 0 || len(env.store.Events()) != 0 {
		t.Error("expected nothing written")
	}
}

func TestScan_InvalidRequests_400(t *testing.T) {
	env := newTestServer(t, nil)

	for name, body := range map[string]string{
		"missing gateway": `{"card_uid":"NFC001234567890","device_code":"DEV001"}`,
		"empty object":    `{}`,
		"malformed":       `{"card_uid":`,
		"wrong types":     `{"card_uid":12,"device_code":"DEV001","gateway_code":"MAIN_GATE"}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, out := scan(t, env, body)
			if code != http.StatusBadRequest || out.OK || out.Error != "invalid_request" {
				t.Fatalf("expected 400 invalid_request, got %d %+v", code, out)
			}
		})
	}
}

func TestScan_LectureDuplicate_409(t *testing.T) {
	env := newTestServer(t, nil)
	body := `{"card_uid":"NFC001234567891","device_code":"DEV001","gateway_code":"MAIN_GATE","lecture_id":"lec-1"}`

	if code, out := scan(t, env, body); code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d %+v", code, out)
	}
	code, out := scan(t, env, body)
	if code != http.StatusConflict || out.Error != "already_recorded" {
		t.Fatalf("expected 409 already_recorded, got %d %+v", code, out)
	}
	if n := len(env.store.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestScan_GateRepeats_NeverAlreadyRecorded(t *testing.T) {
	env := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		if code, out := scan(t, env, demoScan); code != http.StatusOK {
			t.Fatalf("scan %d: expected 200, got %d %+v", i, code, out)
		}
	}
}

func TestScan_GetIsMethodNotAllowed(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.ts.URL + "/v1/scan")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestUnknownPath_404(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.ts.URL + "/v1/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// ── CORS ─────────────────────────────────────────────────────────────────────

func TestOptions_ShortCircuits200(t *testing.T) {
	env := newTestServer(t, nil)

	for name, origin := range map[string]string{"preflight": "https://gate.example.edu", "no origin": ""} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/v1/scan", nil)
			if origin != "" {
				req.Header.Set("Origin", origin)
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("options: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			if len(body) != 0 {
				t.Errorf("expected empty body, got %q", body)
			}
			if origin != "" && resp.Header.Get("Access-Control-Allow-Origin") != "*" {
				t.Errorf("expected wildcard origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestScan_CORSHeaderOnResponse(t *testing.T) {
	env := newTestServer(t, nil)

	resp := postJSON(t, env.ts.URL+"/v1/scan", demoScan, http.Header{"Origin": {"https://gate.example.edu"}})
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
	if got := resp.Header.Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS outside release mode, got %q", got)
	}
}

// ── Device auth ──────────────────────────────────────────────────────────────

func issueToken(t *testing.T, env testEnv, device string) string {
	t.Helper()
	resp := postJSON(t, env.ts.URL+"/v1/devices/token", `{"device_code":"`+device+`"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("token: expected 201, got %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return out.AccessToken
}

func TestDeviceToken_UnknownDevice_404(t *testing.T) {
	env := newTestServer(t, nil)

	resp := postJSON(t, env.ts.URL+"/v1/devices/token", `{"device_code":"DEV404"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestScan_AuthRequired(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) { d.Auth.Required = true })
	env.store.AddDevice("DEV002", nil)

	resp := postJSON(t, env.ts.URL+"/v1/scan", demoScan, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}

	other := issueToken(t, env, "DEV002")
	resp = postJSON(t, env.ts.URL+"/v1/scan", demoScan, http.Header{"Authorization": {"Bearer " + other}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other device token: expected 403, got %d", resp.StatusCode)
	}

	own := issueToken(t, env, "DEV001")
	resp = postJSON(t, env.ts.URL+"/v1/scan", demoScan, http.Header{"Authorization": {"Bearer " + own}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own token: expected 200, got %d", resp.StatusCode)
	}
}

// ── Rate limiting ────────────────────────────────────────────────────────────

func TestRateLimit_429(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) { d.RateLimitPerMin = 2 })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(env.ts.URL + "/v1/stats/today")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", codes)
	}
}

// ── Dashboard reads ──────────────────────────────────────────────────────────

type recentReply struct {
	OK      bool               `json:"ok"`
	Source  string             `json:"source"`
	Entries []attendance.Entry `json:"entries"`
}

func getRecent(t *testing.T, env testEnv, query string) (int, recentReply) {
	t.Helper()
	resp, err := http.Get(env.ts.URL + "/v1/entries/recent" + query)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out recentReply
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRecentEntries_LedgerFallback(t *testing.T) {
	env := newTestServer(t, nil)

	code, out := getRecent(t, env, "")
	if code != http.StatusOK || out.Source != "ledger" || len(out.Entries) != 0 {
		t.Fatalf("expected empty ledger reply, got %d %+v", code, out)
	}

	scan(t, env, demoScan)
	scan(t, env, `{"card_uid":"NFC001234567891","device_code":"DEV001","gateway_code":"MAIN_GATE","lecture_id":"lec-1"}`)

	code, out = getRecent(t, env, "?limit=5")
	if code != http.StatusOK || len(out.Entries) != 1 {
		t.Fatalf("expected 1 gate entry, got %d %+v", code, out)
	}
	if out.Entries[0].Student.StudentID != "STU001" {
		t.Errorf("expected STU001, got %s", out.Entries[0].Student.StudentID)
	}

	if code, _ := getRecent(t, env, "?limit=abc"); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", code)
	}
}

func TestRecentEntries_FromFeed(t *testing.T) {
	f := feed.NewMemory(10)
	env := newTestServer(t, func(d *httpapi.Dependencies) { d.Feed = f })
	_ = f.Push(context.Background(), attendance.Entry{ID: "from-feed", ScannedAt: time.Now(), Status: "present"})

	code, out := getRecent(t, env, "?limit=1")
	if code != http.StatusOK || out.Source != "feed" || len(out.Entries) != 1 || out.Entries[0].ID != "from-feed" {
		t.Fatalf("expected feed entry, got %d %+v", code, out)
	}
}

func TestRecentEntries_PartialFeedFallsBackToLedger(t *testing.T) {
	f := feed.NewMemory(10)
	env := newTestServer(t, func(d *httpapi.Dependencies) { d.Feed = f })

	// The ledger holds three gate scans; the feed only saw one of them, as
	// after a restart or a dropped publish.
	for _, uid := range []string{"NFC001234567890", "NFC001234567891", "NFC001234567892"} {
		if code, out := scan(t, env, `{"card_uid":"`+uid+`","device_code":"DEV001","gateway_code":"MAIN_GATE"}`); code != http.StatusOK {
			t.Fatalf("scan %s: expected 200, got %d %+v", uid, code, out)
		}
	}
	_ = f.Push(context.Background(), attendance.Entry{ID: "only-in-feed", ScannedAt: time.Now(), Status: "present"})

	code, out := getRecent(t, env, "?limit=10")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if out.Source != "ledger" || len(out.Entries) != 3 {
		t.Fatalf("expected all 3 ledger entries, got source=%s entries=%d", out.Source, len(out.Entries))
	}
	if n := len(env.store.Events()); n != 3 {
		t.Errorf("expected 3 ledger events, got %d", n)
	}
}

func TestTodayStats(t *testing.T) {
	env := newTestServer(t, nil)
	scan(t, env, demoScan)
	scan(t, env, `{"card_uid":"NFC001234567892","device_code":"DEV001","gateway_code":"MAIN_GATE","lecture_id":"lec-9"}`)

	resp, err := http.Get(env.ts.URL + "/v1/stats/today")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		TodayAttendance  int `json:"today_attendance"`
		TodayGateEntries int `json:"today_gate_entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TodayAttendance != 2 || out.TodayGateEntries != 1 {
		t.Errorf("expected 2 total / 1 gate, got %+v", out)
	}
}

// ── Ops ──────────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	env := newTestServer(t, func(d *httpapi.Dependencies) {
		d.HealthChecks = map[string]httpapi.HealthCheck{
			"db":    func(context.Context) bool { return true },
			"redis": func(context.Context) bool { return false },
		}
	})

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with redis down, got %d", resp.StatusCode)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["db"] != true || out["redis"] != false {
		t.Errorf("unexpected health body: %v", out)
	}
}

func TestMetrics_CountsScans(t *testing.T) {
	env := newTestServer(t, nil)
	scan(t, env, demoScan)

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`attendance_scans_total{result="ok"} 1`)) {
		t.Errorf("expected ok scan counted, got:\n%s", body)
	}
}
