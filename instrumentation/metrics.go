package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token lifecycle
	TokensIssued   metric.Int64Counter
	TokensReused   metric.Int64Counter
	TokensRevoked  metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	GrantsIssued   metric.Int64Counter
	GrantsRedeemed metric.Int64Counter
	DevicePolls    metric.Int64Counter

	// Security Metrics
	ClientAuthFailures    metric.Int64Counter
	RateLimitExceeded     metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	CodeReuseDetected     metric.Int64Counter
	RefreshReplayDetected metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageApplicationsCount metric.Int64ObservableGauge
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst   *metric.Int64Counter
	scope string
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.TokensIssued, "server", "oauth.tokens.issued", "Number of access tokens issued", "{token}"},
		{&m.TokensReused, "server", "oauth.tokens.reused", "Number of existing access tokens returned instead of issuing new ones", "{token}"},
		{&m.TokensRevoked, "server", "oauth.tokens.revoked", "Number of access tokens revoked", "{token}"},
		{&m.TokenRefreshed, "server", "oauth.tokens.refreshed", "Number of refresh token exchanges", "{refresh}"},
		{&m.GrantsIssued, "server", "oauth.grants.issued", "Number of authorization codes and device grants issued", "{grant}"},
		{&m.GrantsRedeemed, "server", "oauth.grants.redeemed", "Number of authorization codes and device grants redeemed", "{grant}"},
		{&m.DevicePolls, "server", "oauth.device.polls", "Number of device token polls by outcome", "{poll}"},
		{&m.ClientAuthFailures, "security", "oauth.security.client_auth_failures", "Number of failed client authentications", "{failure}"},
		{&m.RateLimitExceeded, "security", "oauth.security.rate_limit_exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, "security", "oauth.security.pkce_validation_failed", "Number of PKCE verifier mismatches", "{failure}"},
		{&m.CodeReuseDetected, "security", "oauth.security.code_reuse_detected", "Number of attempts to redeem a used authorization code", "{attempt}"},
		{&m.RefreshReplayDetected, "security", "oauth.security.refresh_replay_detected", "Number of revoked refresh tokens presented again", "{attempt}"},
		{&m.StorageOperationTotal, "storage", "oauth.storage.operations.total", "Total number of storage operations", "{operation}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Total number of audit events", "{event}"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = inst.Meter(c.scope).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	storageMeter := inst.Meter("storage")
	m.StorageApplicationsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.applications.count",
		metric.WithDescription("Number of registered applications"),
		metric.WithUnit("{application}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.applications.count gauge: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.grants.count",
		metric.WithDescription("Number of stored authorization and device grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.tokens.count",
		metric.WithDescription("Number of stored access tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTokenIssued records a freshly issued access token
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string, withRefresh bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.Bool("refresh_token", withRefresh),
	))
}

// RecordTokenReused records an existing token handed out again
func (m *Metrics) RecordTokenReused(ctx context.Context, grantType string) {
	m.TokensReused.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRevocation records revoked tokens. reason is e.g. "request",
// "refresh" or "replay".
func (m *Metrics) RecordTokenRevocation(ctx context.Context, reason string, count int) {
	if count <= 0 {
		return
	}
	m.TokensRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordTokenRefresh records a refresh token exchange
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordGrantIssued records an authorization code or device grant. kind is
// "authorization_code" or "device_code".
func (m *Metrics) RecordGrantIssued(ctx context.Context, kind string) {
	m.GrantsIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGrantRedeemed records a grant exchanged for a token
func (m *Metrics) RecordGrantRedeemed(ctx context.Context, kind string) {
	m.GrantsRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDevicePoll records a device token poll and its outcome
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordClientAuthFailure records a rejected client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, method string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReplayDetected records a revoked refresh token presented again
func (m *Metrics) RecordRefreshReplayDetected(ctx context.Context) {
	m.RefreshReplayDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
