package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dobrevit/captcha-gate/pkg/api"
	"github.com/dobrevit/captcha-gate/pkg/challenge"
	"github.com/dobrevit/captcha-gate/pkg/escalation"
	"github.com/dobrevit/captcha-gate/pkg/session"
)

type testGate struct {
	server   *httptest.Server
	registry *api.Registry
	engine   *escalation.Engine
}

func newTestGate(t *testing.T) *testGate {
	t.Helper()

	banCfg := escalation.DefaultConfig()
	banCfg.Whitelist = nil
	engine, err := escalation.NewWithStore(banCfg, escalation.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	sessCfg := session.DefaultConfig()
	sessCfg.MinThinkTime = 30 * time.Millisecond
	sessCfg.RetryDelay = 20 * time.Millisecond
	sessCfg.VerifiedLifetime = time.Minute
	sessCfg.SessionTimeout = time.Hour
	sessCfg.MaxSessionsPerIP = 3

	registry := api.NewRegistry(sessCfg, challenge.NewGenerator(6), engine, nil)
	registry.Start()

	router := mux.NewRouter()
	api.NewHandler(registry, engine, true, nil).Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		registry.Stop()
	})

	return &testGate{server: server, registry: registry, engine: engine}
}

// do issues a request with a fixed client IP via the trusted proxy header,
// decoding the JSON response into out when non-nil.
func (g *testGate) do(t *testing.T, method, path, ip string, cookie *http.Cookie, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, g.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("X-Forwarded-For", ip)
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s response: %v", path, err)
		}
	}
	return resp
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == api.SessionCookie {
			return c
		}
	}
	t.Fatal("Expected a session cookie")
	return nil
}

// TestChallengeAnswerLoginFlow walks the full happy path: get a challenge,
// answer it after the think-time floor, then pass the login gate once.
func TestChallengeAnswerLoginFlow(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.20"

	var snap session.Snapshot
	resp := gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if len(snap.Challenge) != 6 {
		t.Fatalf("Expected a 6-character challenge, got %q", snap.Challenge)
	}
	cookie := sessionCookie(t, resp)
	if !cookie.HttpOnly {
		t.Error("Session cookie must be HttpOnly")
	}

	time.Sleep(50 * time.Millisecond)

	var after session.Snapshot
	gate.do(t, http.MethodPost, "/api/captcha/answer", ip, cookie,
		map[string]string{"answer": snap.Challenge}, &after)
	if !after.Verified {
		t.Fatalf("Expected verified snapshot, got %+v", after)
	}

	var state session.Snapshot
	gate.do(t, http.MethodGet, "/api/captcha/state", ip, cookie, nil, &state)
	if state.State != "verified" {
		t.Errorf("Expected verified state, got %s", state.State)
	}

	var login map[string]interface{}
	resp = gate.do(t, http.MethodPost, "/api/login", ip, cookie, nil, &login)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected login to pass, got %d", resp.StatusCode)
	}

	// The verified state is single-use.
	resp = gate.do(t, http.MethodPost, "/api/login", ip, cookie, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected second login refused, got %d", resp.StatusCode)
	}
}

func TestAnswerWithoutSession(t *testing.T) {
	gate := newTestGate(t)

	resp := gate.do(t, http.MethodPost, "/api/captcha/answer", "203.0.113.21", nil,
		map[string]string{"answer": "AAAAAA"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a session, got %d", resp.StatusCode)
	}
}

func TestHoneypotAnswerFails(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.22"

	var snap session.Snapshot
	resp := gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, &snap)
	cookie := sessionCookie(t, resp)

	// Correct answer, but the decoy field is filled: judged immediately
	// as a failure, no think-time hold.
	var after session.Snapshot
	gate.do(t, http.MethodPost, "/api/captcha/answer", ip, cookie,
		map[string]string{"answer": snap.Challenge, "website": "http://spam.example"}, &after)
	if after.Verified {
		t.Error("Honeypot submission must never verify")
	}
	if after.FailedAttempts != 1 {
		t.Errorf("Expected 1 failed attempt, got %d", after.FailedAttempts)
	}
}

// TestLockoutEndpointEscalates exercises the explicit violation-reporting
// boundary and the ban gate in front of new challenges.
func TestLockoutEndpointEscalates(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.23"

	var first map[string]interface{}
	resp := gate.do(t, http.MethodPost, "/api/captcha/lockout", ip, nil, nil, &first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if first["banned"] != true || first["tier"] != "tier1" {
		t.Fatalf("Expected a tier1 ban, got %+v", first)
	}
	if first["code"] == "" || first["code"] == nil {
		t.Error("Expected a ban code")
	}
	if _, err := time.Parse(time.RFC3339, first["bannedUntil"].(string)); err != nil {
		t.Errorf("bannedUntil not RFC3339: %v", err)
	}

	var second map[string]interface{}
	gate.do(t, http.MethodPost, "/api/captcha/lockout", ip, nil, nil, &second)
	if second["tier"] != "tier2" {
		t.Errorf("Expected escalation to tier2, got %+v", second)
	}

	// A banned IP is refused a new challenge outright.
	var refused map[string]interface{}
	resp = gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, &refused)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for a banned IP, got %d", resp.StatusCode)
	}
	if refused["banned"] != true {
		t.Errorf("Expected the ban payload, got %+v", refused)
	}
}

func TestStatusEndpoint(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.24"

	var clean map[string]interface{}
	gate.do(t, http.MethodGet, "/api/captcha/status", ip, nil, nil, &clean)
	if clean["banned"] != false {
		t.Errorf("Expected banned=false for a clean IP, got %+v", clean)
	}

	gate.do(t, http.MethodPost, "/api/captcha/lockout", ip, nil, nil, nil)

	var banned map[string]interface{}
	gate.do(t, http.MethodGet, "/api/captcha/status", ip, nil, nil, &banned)
	if banned["banned"] != true || banned["tier"] != "tier1" {
		t.Errorf("Expected an active tier1 ban, got %+v", banned)
	}
}

func TestBannedIPRefusedLogin(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.25"

	gate.do(t, http.MethodPost, "/api/captcha/lockout", ip, nil, nil, nil)

	resp := gate.do(t, http.MethodPost, "/api/login", ip, nil, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for a banned IP, got %d", resp.StatusCode)
	}
}

func TestRefreshIssuesNewChallenge(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.26"

	var snap session.Snapshot
	resp := gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, &snap)
	cookie := sessionCookie(t, resp)

	var refreshed session.Snapshot
	gate.do(t, http.MethodPost, "/api/captcha/refresh", ip, cookie, nil, &refreshed)
	if refreshed.Challenge == snap.Challenge {
		t.Error("Refresh must issue a different challenge")
	}
	if refreshed.FailedAttempts != 0 {
		t.Errorf("Refresh must clear failures, got %d", refreshed.FailedAttempts)
	}
}

func TestChallengeReplacesExistingSession(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.27"

	resp := gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, nil)
	first := sessionCookie(t, resp)

	resp = gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, first, nil, nil)
	second := sessionCookie(t, resp)
	if second.Value == first.Value {
		t.Error("Replacement must mint a new token")
	}

	// The old token is dead.
	resp = gate.do(t, http.MethodGet, "/api/captcha/state", ip, first, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for the replaced session, got %d", resp.StatusCode)
	}
	if gate.registry.Len() != 1 {
		t.Errorf("Expected exactly one live session, got %d", gate.registry.Len())
	}
}

// TestForwardedForFirstEntry checks only the first hop of a multi-entry
// X-Forwarded-For header is used as the ban key, so rotating later hops
// cannot dodge escalation.
func TestForwardedForFirstEntry(t *testing.T) {
	gate := newTestGate(t)

	var first map[string]interface{}
	gate.do(t, http.MethodPost, "/api/captcha/lockout", "203.0.113.30, 10.0.0.9", nil, nil, &first)
	if first["tier"] != "tier1" {
		t.Fatalf("Expected tier1, got %+v", first)
	}

	var second map[string]interface{}
	gate.do(t, http.MethodPost, "/api/captcha/lockout", "203.0.113.30, 172.16.0.5", nil, nil, &second)
	if second["tier"] != "tier2" {
		t.Errorf("Expected escalation keyed by the client entry, got %+v", second)
	}

	var status map[string]interface{}
	gate.do(t, http.MethodGet, "/api/captcha/status", "203.0.113.30", nil, nil, &status)
	if status["banned"] != true {
		t.Errorf("Expected the ban stored under the bare client IP, got %+v", status)
	}
}

// TestSessionCapPerIP checks a cookieless client cannot grow the registry
// past the per-IP cap.
func TestSessionCapPerIP(t *testing.T) {
	gate := newTestGate(t)
	ip := "203.0.113.31"

	for i := 0; i < 5; i++ {
		gate.do(t, http.MethodPost, "/api/captcha/challenge", ip, nil, nil, nil)
	}
	if got := gate.registry.Len(); got != 3 {
		t.Errorf("Expected the per-IP cap of 3 sessions, got %d", got)
	}

	// Another IP gets its own budget.
	gate.do(t, http.MethodPost, "/api/captcha/challenge", "203.0.113.32", nil, nil, nil)
	if got := gate.registry.Len(); got != 4 {
		t.Errorf("Expected 4 sessions across two IPs, got %d", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	gate := newTestGate(t)

	var health map[string]interface{}
	resp := gate.do(t, http.MethodGet, "/health", "203.0.113.28", nil, nil, &health)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gate := newTestGate(t)

	resp, err := http.Get(gate.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
