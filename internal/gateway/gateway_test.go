package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/auth"
	"github.com/aaviondb/aaviondb/internal/bootstrap"
	"github.com/aaviondb/aaviondb/internal/scope"
)

func newTestServer(t *testing.T) (*Server, *bootstrap.Runtime) {
	t.Helper()
	rt, err := bootstrap.New(bootstrap.Options{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	srv := New(Options{
		Dispatcher: rt.Dispatcher,
		Auth:       rt.Auth,
		Security:   rt.Security,
		Logger:     rt.Logger,
	})
	return srv, rt
}

func adminCtx() context.Context {
	return scope.WithScope(context.Background(), scope.Bootstrap())
}

// grantAndServe mints a token and enables the REST API.
func grantAndServe(t *testing.T, rt *bootstrap.Runtime, projects ...string) string {
	t.Helper()
	grant, err := rt.Auth.Grant(auth.GrantOptions{Scope: scope.ModeRW, Projects: projects})
	require.NoError(t, err)
	_, err = rt.Auth.SetAPIEnabled(true, "test", "")
	require.NoError(t, err)
	return grant.Token
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestAPIDisabledReturns503(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api?action=status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMissingTokenReturns401(t *testing.T) {
	srv, rt := newTestServer(t)
	grantAndServe(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/api?action=status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBootstrapTokenReturns403(t *testing.T) {
	srv, rt := newTestServer(t)
	grantAndServe(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/api?action=status", nil)
	req.Header.Set("Authorization", "Bearer admin")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	envelope := decodeEnvelope(t, rec)
	assert.Contains(t, envelope["message"], "bootstrap")
}

func TestAdmittedRequestRoundTrip(t *testing.T) {
	srv, rt := newTestServer(t)
	resp := rt.Dispatcher.Execute(adminCtx(), `save demo.hero {"name": "Aria"}`)
	require.True(t, resp.IsOK(), resp.Message)
	token := grantAndServe(t, rt, "demo")

	req := httptest.NewRequest(http.MethodGet, "/api?action=entity%20show&project=demo&entity=hero", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "ok", envelope["status"])
	data := envelope["data"].(map[string]any)
	payload := data["payload"].(map[string]any)
	assert.Equal(t, "Aria", payload["name"])
}

func TestScopedTokenCannotReadOtherProjects(t *testing.T) {
	srv, rt := newTestServer(t)
	resp := rt.Dispatcher.Execute(adminCtx(), `save other.note {"text": "hidden"}`)
	require.True(t, resp.IsOK(), resp.Message)
	token := grantAndServe(t, rt, "demo")

	req := httptest.NewRequest(http.MethodGet, "/api?action=entity%20show&project=other&entity=note", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostWithStatement(t *testing.T) {
	srv, rt := newTestServer(t)
	token := grantAndServe(t, rt, "demo")

	body := `{"statement": "save demo.hero {\"name\": \"Aria\"}"}`
	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPostWithActionAndPayload(t *testing.T) {
	srv, rt := newTestServer(t)
	token := grantAndServe(t, rt, "demo")

	body := `{"action": "entity save", "params": {"project": "demo", "entity": "hero"}, "payload": {"name": "Aria"}}`
	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	envelope := decodeEnvelope(t, rec)
	data := envelope["data"].(map[string]any)
	assert.Equal(t, "1", data["version"])
}

func TestUnknownActionReturns400Envelope(t *testing.T) {
	srv, rt := newTestServer(t)
	token := grantAndServe(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/api?action=frobnicate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "error", envelope["status"])
}

func TestLockdownReturns503WithRetryAfter(t *testing.T) {
	srv, rt := newTestServer(t)
	grantAndServe(t, rt)
	rt.Security.Lockdown(60)

	req := httptest.NewRequest(http.MethodGet, "/api?action=status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHealthEndpointNeedsNoToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
