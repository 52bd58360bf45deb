package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the authorization server.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flows
	AuthorizationRequests metric.Int64Counter
	ConsentDecisions      metric.Int64Counter
	CodeExchanged         metric.Int64Counter
	TokenRefreshed        metric.Int64Counter
	TokenRevoked          metric.Int64Counter
	ClientRegistered      metric.Int64Counter
	BearerValidations     metric.Int64Counter
	KeysRotated           metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
	unit string
}

func newMetrics(server, http, storage metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	serverCounters := []counterSpec{
		{&m.AuthorizationRequests, "oauth.authorization.requests", "Authorization requests by outcome", "{request}"},
		{&m.ConsentDecisions, "oauth.consent.decisions", "Consent decisions by the resource owner", "{decision}"},
		{&m.CodeExchanged, "oauth.code.exchanged", "Authorization code exchanges", "{exchange}"},
		{&m.TokenRefreshed, "oauth.token.refreshed", "Refresh token rotations", "{refresh}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Refresh token families revoked", "{family}"},
		{&m.ClientRegistered, "oauth.client.registered", "Dynamically registered clients", "{client}"},
		{&m.BearerValidations, "oauth.bearer.validations", "Bearer token validations by outcome", "{validation}"},
		{&m.KeysRotated, "oauth.keys.rotated", "Signing key rotations", "{rotation}"},
		{&m.RateLimitExceeded, "oauth.security.rate_limit_exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.PKCEValidationFailed, "oauth.security.pkce_validation_failed", "PKCE verification failures", "{failure}"},
		{&m.CodeReuseDetected, "oauth.security.code_reuse_detected", "Authorization code replays", "{event}"},
		{&m.TokenReuseDetected, "oauth.security.token_reuse_detected", "Refresh token replays", "{event}"},
	}
	for _, c := range serverCounters {
		var err error
		if *c.dst, err = server.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit)); err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.HTTPRequestsTotal, err = http.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = http.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationTotal, err = storage.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Storage operations by result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storage.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "storage.clients.count", "Registered clients"},
		{&m.StorageCodesCount, "storage.codes.count", "Outstanding authorization codes"},
		{&m.StorageFamiliesCount, "storage.families.count", "Refresh token families"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Stored refresh tokens"},
	}
	for _, g := range gauges {
		if *g.dst, err = storage.Int64ObservableGauge(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.add(ctx, m.HTTPRequestsTotal, 1,
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(statusCode)),
	)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records an /authorize outcome
// ("validated", "rejected", "login_required").
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.AuthorizationRequests, 1, attribute.String("result", result))
}

// RecordConsentDecision records "granted" or "denied".
func (m *Metrics) RecordConsentDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ConsentDecisions, 1, attribute.String("decision", decision))
}

// RecordCodeExchange records an authorization_code grant outcome.
func (m *Metrics) RecordCodeExchange(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodeExchanged, 1, attribute.String("result", result))
}

// RecordTokenRefresh records a refresh_token grant outcome.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenRefreshed, 1, attribute.String("result", result))
}

// RecordTokenRevocation records families revoked for a reason
// ("code_reuse", "token_reuse", "client_request").
func (m *Metrics) RecordTokenRevocation(ctx context.Context, reason string, families int) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenRevoked, int64(families), attribute.String("reason", reason))
}

// RecordClientRegistration records a registered client
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ClientRegistered, 1, attribute.String("client_type", clientType))
}

// RecordBearerValidation records a bearer validation outcome ("valid" or a failure kind).
func (m *Metrics) RecordBearerValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.BearerValidations, 1, attribute.String("result", result))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.KeysRotated, 1)
}

// RecordRateLimitExceeded records a rate-limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RateLimitExceeded, 1, attribute.String("endpoint", endpoint))
}

// RecordPKCEValidationFailed records a PKCE failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.PKCEValidationFailed, 1, attribute.String("reason", reason))
}

// RecordCodeReuse records an authorization code replay
func (m *Metrics) RecordCodeReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodeReuseDetected, 1)
}

// RecordTokenReuse records a refresh token replay
func (m *Metrics) RecordTokenReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenReuseDetected, 1)
}

// RecordStorageOperation records one storage call
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.add(ctx, m.StorageOperationTotal, 1,
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
