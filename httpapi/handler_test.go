package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clearauth/grantd/grant"
	"github.com/clearauth/grantd/identity"
	"github.com/clearauth/grantd/instrumentation"
	"github.com/clearauth/grantd/scope"
	"github.com/clearauth/grantd/storage/memory"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	dir := identity.NewDirectory()
	require.NoError(t, dir.RegisterPrincipal("alice", "alice-secret"))
	require.NoError(t, dir.RegisterClient("web-app", "web-secret",
		scope.New("read", "write"),
		[]grant.GrantType{grant.GrantTypePassword, grant.GrantTypeRefreshToken}))
	require.NoError(t, dir.RegisterClient("batch-svc", "batch-secret",
		scope.New("read"),
		[]grant.GrantType{grant.GrantTypeClientCredentials}))

	authority, err := grant.New(store, store, dir, dir, dir, &grant.Config{
		Issuer:     "https://auth.test",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
	}, slog.Default())
	require.NoError(t, err)

	return NewHandler(authority, "https://auth.test", slog.Default())
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTokenEndpointPasswordGrant(t *testing.T) {
	mux := newTestHandler(t).Routes()

	rec := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"alice-secret"},
		"scope":      {"read"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", rec.Header().Get("Cache-Control"))

	body := decodeToken(t, rec)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, "read", body["scope"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
}

func TestTokenEndpointBasicAuthClient(t *testing.T) {
	mux := newTestHandler(t).Routes()

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("batch-svc", "batch-secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeToken(t, rec)
	assert.NotEmpty(t, body["access_token"])
	_, hasRefresh := body["refresh_token"]
	assert.False(t, hasRefresh, "client-credentials response must not carry a refresh token")
}

func TestTokenEndpointRefreshFlow(t *testing.T) {
	mux := newTestHandler(t).Routes()

	first := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"alice-secret"},
	})
	require.Equal(t, http.StatusOK, first.Code)
	refresh := decodeToken(t, first)["refresh_token"].(string)

	second := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web-app"},
		"refresh_token": {refresh},
	})
	require.Equal(t, http.StatusOK, second.Code)

	// Replaying the rotated-out token surfaces the distinguished code.
	replay := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web-app"},
		"refresh_token": {refresh},
	})
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, "replay_detected", decodeToken(t, replay)["error"])
}

func TestTokenEndpointErrorShape(t *testing.T) {
	mux := newTestHandler(t).Routes()

	rec := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"wrong"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeToken(t, rec)
	assert.Equal(t, "invalid_grant", body["error"])
	assert.NotEmpty(t, body["error_description"])
}

func TestTokenEndpointMethodNotAllowed(t *testing.T) {
	mux := newTestHandler(t).Routes()

	req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRevocationEndpoint(t *testing.T) {
	mux := newTestHandler(t).Routes()

	issued := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"alice-secret"},
	})
	require.Equal(t, http.StatusOK, issued.Code)
	refresh := decodeToken(t, issued)["refresh_token"].(string)

	rec := postForm(t, mux, "/oauth/revoke", url.Values{"token": {refresh}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The revoked chain rejects further refreshes.
	replay := postForm(t, mux, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web-app"},
		"refresh_token": {refresh},
	})
	assert.Equal(t, http.StatusBadRequest, replay.Code)

	// Unknown values still answer 200.
	unknown := postForm(t, mux, "/oauth/revoke", url.Values{"token": {"nonsense"}})
	assert.Equal(t, http.StatusOK, unknown.Code)

	// A missing token parameter is the one client error.
	missing := postForm(t, mux, "/oauth/revoke", url.Values{})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestTokenEndpointSpanAttributes(t *testing.T) {
	h := newTestHandler(t)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h.Tracer = provider.Tracer("httpapi-test")

	ok := postForm(t, h.Routes(), "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"alice-secret"},
	})
	require.Equal(t, http.StatusOK, ok.Code)

	failed := postForm(t, h.Routes(), "/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
		"username":   {"alice"},
		"password":   {"wrong"},
	})
	require.Equal(t, http.StatusBadRequest, failed.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "http.token", spans[0].Name())
	attrs := spanAttributeMap(spans[0].Attributes())
	assert.Equal(t, "POST", attrs[instrumentation.AttrHTTPMethod])
	assert.Equal(t, "/oauth/token", attrs[instrumentation.AttrHTTPEndpoint])
	assert.Equal(t, int64(http.StatusOK), attrs[instrumentation.AttrHTTPStatusCode])

	attrs = spanAttributeMap(spans[1].Attributes())
	assert.Equal(t, int64(http.StatusBadRequest), attrs[instrumentation.AttrHTTPStatusCode])
}

func spanAttributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	mux := newTestHandler(t).Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
