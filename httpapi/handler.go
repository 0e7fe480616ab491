// Package httpapi exposes the grant authority over HTTP: the token
// endpoint, RFC 7009 revocation, and a health check. The wire format
// follows RFC 6749 form encoding for requests and JSON for responses.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/clearauth/grantd/grant"
	"github.com/clearauth/grantd/instrumentation"
	"github.com/clearauth/grantd/scope"
	"github.com/clearauth/grantd/security"
)

// Pinger reports backing-store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the token authority's HTTP surface.
type Handler struct {
	authority *grant.Authority
	issuer    string
	logger    *slog.Logger

	// Tracer, when set, wraps each request in a span.
	Tracer trace.Tracer
	// Pinger, when set, is consulted by the health endpoint.
	Pinger Pinger
}

// NewHandler creates an HTTP handler for the authority.
func NewHandler(authority *grant.Authority, issuer string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{authority: authority, issuer: issuer, logger: logger}
}

// Routes returns a mux with all endpoints registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevocation)
	mux.HandleFunc("/healthz", h.ServeHealth)
	return mux
}

// tokenResponse is the RFC 6749 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ServeToken handles POST /oauth/token for all four grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.token")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, "invalid_request", "failed to parse request", http.StatusBadRequest)
		return
	}

	req := grant.Request{
		GrantType:    grant.GrantType(r.PostFormValue("grant_type")),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		PrincipalID:  r.PostFormValue("username"),
		Secret:       r.PostFormValue("password"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        scope.Parse(r.PostFormValue("scope")),
	}

	// HTTP Basic client authentication takes precedence over form fields.
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	instrumentation.AddGrantAttributes(span, string(req.GrantType), req.ClientID)

	pair, gerr := h.authority.Grant(ctx, req)
	if gerr != nil {
		instrumentation.RecordError(span, gerr)
		instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, gerr.Status)
		h.writeGrantError(w, gerr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, http.StatusOK)
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope.String(),
	})
}

// ServeRevocation handles POST /oauth/revoke. Per RFC 7009 the endpoint
// answers 200 whether or not the presented value matched anything.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.revoke")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, "invalid_request", "failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, "invalid_request", "token is required", http.StatusBadRequest)
		return
	}

	if gerr := h.authority.Revoke(ctx, token); gerr != nil {
		// Store unavailability is the one failure the caller should retry.
		if gerr.Code == grant.ErrorCodeTemporarilyUnavailable {
			instrumentation.RecordError(span, gerr)
			instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, gerr.Status)
			h.writeGrantError(w, gerr)
			return
		}
		h.logger.Warn("revocation did not match a live token", "error", gerr)
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, http.StatusOK)
	security.SetSecurityHeaders(w, h.issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeHealth handles GET /healthz.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			h.logger.Error("health check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeGrantError(w http.ResponseWriter, gerr *grant.GrantError) {
	h.writeError(w, gerr.Code, gerr.Description, gerr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.issuer)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.Tracer == nil {
		return r.Context(), nil
	}
	return h.Tracer.Start(r.Context(), name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}
