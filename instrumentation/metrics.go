package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the grant authority. All Record
// methods are safe on a nil receiver, which records nothing.
type Metrics struct {
	// Grant processing
	GrantRequestsTotal metric.Int64Counter
	GrantDuration      metric.Float64Histogram

	// Token lifecycle
	TokensIssued   metric.Int64Counter
	TokensRotated  metric.Int64Counter
	TokensRevoked  metric.Int64Counter
	CodesIssued    metric.Int64Counter
	ReplayDetected metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage and cache
	StoreOperationTotal    metric.Int64Counter
	StoreOperationDuration metric.Float64Histogram
	CacheLookups           metric.Int64Counter
}

// NewMetrics creates and registers the instrument set on provider. The
// instrumentation type registers on its own provider; tests register on an
// SDK provider with a manual reader to observe recorded values.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{}
	grantMeter := provider.Meter(scopePrefix + "grant")
	securityMeter := provider.Meter(scopePrefix + "security")
	storageMeter := provider.Meter(scopePrefix + "storage")

	var err error
	m.GrantRequestsTotal, err = grantMeter.Int64Counter(
		"grant.requests.total",
		metric.WithDescription("Total number of grant requests by type and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.requests.total counter: %w", err)
	}

	m.GrantDuration, err = grantMeter.Float64Histogram(
		"grant.request.duration",
		metric.WithDescription("Grant request processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.request.duration histogram: %w", err)
	}

	m.TokensIssued, err = grantMeter.Int64Counter(
		"token.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokensRotated, err = grantMeter.Int64Counter(
		"token.rotated",
		metric.WithDescription("Number of refresh tokens rotated"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotated counter: %w", err)
	}

	m.TokensRevoked, err = grantMeter.Int64Counter(
		"token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.CodesIssued, err = grantMeter.Int64Counter(
		"code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.ReplayDetected, err = securityMeter.Int64Counter(
		"replay.detected",
		metric.WithDescription("Number of credential replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay.detected counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"store.operation.total",
		metric.WithDescription("Total number of grant store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.total counter: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"store.operation.duration",
		metric.WithDescription("Grant store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.duration histogram: %w", err)
	}

	m.CacheLookups, err = storageMeter.Int64Counter(
		"cache.lookups.total",
		metric.WithDescription("Grant record cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.lookups.total counter: %w", err)
	}

	return m, nil
}

// RecordGrant records the outcome of a grant request.
func (m *Metrics) RecordGrant(ctx context.Context, grantType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	}

	m.GrantRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.GrantDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenIssued records an access token issuance.
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRotated records a refresh-token rotation.
func (m *Metrics) RecordTokenRotated(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokensRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevoked records a revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeIssued records an authorization code issuance.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordReplayDetected records a detected replay of a rotated refresh token
// or consumed authorization code.
func (m *Metrics) RecordReplayDetected(ctx context.Context, credential string) {
	if m == nil {
		return
	}
	m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("credential", credential),
	))
}

// RecordRateLimitExceeded records a rejected grant attempt.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordStoreOperation records a grant store operation.
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StoreOperationDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCacheLookup records a cache hit or miss on the read-through layer.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
