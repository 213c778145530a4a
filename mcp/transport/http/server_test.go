package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/eventstore"
	"github.com/agentuity/mcp-gateway/mcp/types"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
const queryBody = `{"jsonrpc":"2.0","id":2,"method":"query","params":{"sql":"select 1"}}`

func newTestServer(t *testing.T, options ...ServerOption) *Server {
	t.Helper()
	eng := engine.NewEchoEngine("test-gateway", "0.0.0")
	s := NewServer("127.0.0.1:0", "/mcp", eng, logger.NewTestLogger(), options...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) *types.JSONRPCMessage {
	t.Helper()
	var msg types.JSONRPCMessage
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return &msg
}

func TestStatefulSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Initialize with no session header creates exactly one session.
	w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for initialize, got %d: %s", w.Code, w.Body.String())
	}
	sessionID := w.Header().Get(DefaultSessionHeaderName)
	if sessionID == "" {
		t.Fatal("expected a session id header on initialize")
	}
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", s.ActiveSessions())
	}

	// A follow-up request bearing that id is routed to the same transport.
	w = doRequest(s, http.MethodPost, "/mcp", queryBody, map[string]string{DefaultSessionHeaderName: sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for follow-up, got %d: %s", w.Code, w.Body.String())
	}
	if msg := decodeMessage(t, w); msg.Error != nil {
		t.Fatalf("expected success, got error %v", msg.Error)
	}

	// Deleting the session makes the id unknown afterwards.
	w = doRequest(s, http.MethodDelete, "/mcp", "", map[string]string{DefaultSessionHeaderName: sessionID})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d", w.Code)
	}
	if s.ActiveSessions() != 0 {
		t.Fatalf("expected 0 active sessions after delete, got %d", s.ActiveSessions())
	}

	w = doRequest(s, http.MethodPost, "/mcp", queryBody, map[string]string{DefaultSessionHeaderName: sessionID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 after delete, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil || msg.Error.Code != types.CodeBadSession {
		t.Fatalf("expected bad-session error, got %v", msg.Error)
	}
}

func TestStatefulRejectsWithoutSession(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/mcp", queryBody, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-initialize without session, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil {
		t.Fatal("expected a JSON-RPC error envelope")
	}

	w = doRequest(s, http.MethodPost, "/mcp", queryBody, map[string]string{DefaultSessionHeaderName: "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown session, got %d", w.Code)
	}

	if s.ActiveSessions() != 0 {
		t.Fatalf("rejections must not create sessions, got %d", s.ActiveSessions())
	}
}

func TestKnownSessionWinsOverInitialize(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	sessionID := w.Header().Get(DefaultSessionHeaderName)
	if sessionID == "" {
		t.Fatal("expected session id")
	}

	// Initialize with a known session id reuses the session.
	w = doRequest(s, http.MethodPost, "/mcp", initializeBody, map[string]string{DefaultSessionHeaderName: sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(DefaultSessionHeaderName); got != "" && got != sessionID {
		t.Fatalf("expected no new session id, got %s", got)
	}
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", s.ActiveSessions())
	}

	// Initialize with an unknown session id is rejected, not duplicated.
	w = doRequest(s, http.MethodPost, "/mcp", initializeBody, map[string]string{DefaultSessionHeaderName: "unknown"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown session id, got %d", w.Code)
	}
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", s.ActiveSessions())
	}
}

func TestStatelessNeverSharesState(t *testing.T) {
	s := newTestServer(t, WithMode(ModeStateless))

	for i := 0; i < 2; i++ {
		w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if id := w.Header().Get(DefaultSessionHeaderName); id != "" {
			t.Fatalf("stateless mode must not issue session ids, got %s", id)
		}
	}

	if s.ActiveSessions() != 0 {
		t.Fatalf("expected empty registry in stateless mode, got %d", s.ActiveSessions())
	}
}

func TestNotificationAccepted(t *testing.T) {
	s := newTestServer(t, WithMode(ModeStateless))

	w := doRequest(s, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for notification, got %d", w.Code)
	}
}

func TestParseError(t *testing.T) {
	s := newTestServer(t, WithMode(ModeStateless))

	w := doRequest(s, http.MethodPost, "/mcp", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil || msg.Error.Code != types.CodeParseError {
		t.Fatalf("expected parse error, got %v", msg.Error)
	}
}

func TestAuthGateOnEndpoint(t *testing.T) {
	s := newTestServer(t, WithAuthToken("secret123"))

	w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil || msg.Error.Code != types.CodeUnauthorized {
		t.Fatalf("expected -32000 error, got %v", msg.Error)
	}

	w = doRequest(s, http.MethodPost, "/mcp", initializeBody, map[string]string{"Authorization": "Bearer nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/mcp", initializeBody, map[string]string{"Authorization": "Bearer secret123"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOperationalEndpointsNeverGated(t *testing.T) {
	s := newTestServer(t, WithAuthToken("secret123"))

	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", w.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if health["mode"] != "stateful" {
		t.Errorf("expected stateful mode, got %v", health["mode"])
	}
	if health["status"] != "ok" {
		t.Errorf("expected ok status, got %v", health["status"])
	}

	w = doRequest(s, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /ready, got %d", w.Code)
	}
}

func TestWellKnownResolvesNotFound(t *testing.T) {
	s := newTestServer(t, WithAuthToken("secret123"))

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
	} {
		w := doRequest(s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404 for %s, got %d", path, w.Code)
		}
	}
}

func TestPreflight(t *testing.T) {
	s := newTestServer(t, WithAuthToken("secret123"))

	w := doRequest(s, http.MethodOptions, "/mcp", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin, got %s", origin)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("credentials must not be allowed unless explicitly configured")
	}
}

func TestCredentialedCORSIsOptIn(t *testing.T) {
	s := newTestServer(t, WithCredentialedCORS(), WithAllowedOrigin("https://app.example.com"))

	w := doRequest(s, http.MethodOptions, "/mcp", "", nil)
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials header when opted in")
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Errorf("expected configured origin, got %s", origin)
	}
}

func TestRootPathCompatibility(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/", initializeBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 at root path, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(DefaultSessionHeaderName) == "" {
		t.Fatal("expected session id header at root path")
	}
}

func TestIdleSessionExpiry(t *testing.T) {
	s := newTestServer(t, WithSessionTTL(time.Hour))

	doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", s.ActiveSessions())
	}

	// A cutoff in the past expires nothing.
	s.expireIdle(time.Now().Add(-time.Hour))
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected session to survive, got %d", s.ActiveSessions())
	}

	// A cutoff in the future expires the idle session.
	s.expireIdle(time.Now().Add(time.Minute))
	if s.ActiveSessions() != 0 {
		t.Fatalf("expected session to be expired, got %d", s.ActiveSessions())
	}
}

func TestStreamingSessionSurvivesSweep(t *testing.T) {
	s := newTestServer(t, WithSessionTTL(time.Hour))

	w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	sessionID := w.Header().Get(DefaultSessionHeaderName)
	session, ok := s.reg.Lookup(sessionID)
	if !ok {
		t.Fatalf("session %s not registered", sessionID)
	}

	_, cancelStream := session.Transport.Subscribe()

	// The session is past the cutoff, but its open stream counts as activity.
	s.expireIdle(time.Now().Add(time.Minute))
	if s.ActiveSessions() != 1 {
		t.Fatalf("open stream must keep the session alive, got %d sessions", s.ActiveSessions())
	}

	cancelStream()
	s.expireIdle(time.Now().Add(time.Minute))
	if s.ActiveSessions() != 0 {
		t.Fatalf("expected session to expire after stream closed, got %d", s.ActiveSessions())
	}
}

func TestStatelessRejectsStreamsAndDeletes(t *testing.T) {
	s := newTestServer(t, WithMode(ModeStateless))

	w := doRequest(s, http.MethodGet, "/mcp", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for GET in stateless mode, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil || msg.Error.Code != types.CodeBadSession {
		t.Fatalf("expected bad-session error for GET, got %v", msg.Error)
	}

	w = doRequest(s, http.MethodDelete, "/mcp", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for DELETE in stateless mode, got %d", w.Code)
	}
	if msg := decodeMessage(t, w); msg.Error == nil || msg.Error.Code != types.CodeBadSession {
		t.Fatalf("expected bad-session error for DELETE, got %v", msg.Error)
	}
}

func TestOperationalEndpointsCarryCORS(t *testing.T) {
	s := newTestServer(t, WithAllowedOrigin("https://ops.example.com"))

	for _, path := range []string{"/health", "/ready"} {
		w := doRequest(s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, w.Code)
		}
		if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "https://ops.example.com" {
			t.Errorf("expected CORS origin on %s, got %q", path, origin)
		}
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	s := newTestServer(t, WithEventStore(store))

	w := doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	if w.Header().Get(DefaultSessionHeaderName) == "" {
		t.Fatal("expected session id")
	}
	if s.ActiveSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", s.ActiveSessions())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if s.ActiveSessions() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", s.ActiveSessions())
	}

	w = doRequest(s, http.MethodPost, "/mcp", initializeBody, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", w.Code)
	}
}
