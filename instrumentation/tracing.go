package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Never record token, code or secret values on spans. Traces outlive the
// tokens they describe and are readable by a wider audience than the token
// store. Record metadata only: grant types, family IDs, outcomes.
const (
	AttrClientID      = "oauth.client_id"
	AttrResourceOwner = "oauth.resource_owner_id"
	AttrScope         = "oauth.scope"
	AttrGrantType     = "oauth.grant_type"
	AttrResponseType  = "oauth.response_type"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrTokenFamilyID = "oauth.token.family_id" //nolint:gosec // identifier, not a credential
	AttrTokenReused   = "oauth.token.reused"    //nolint:gosec // boolean flag
	AttrTokenRotated  = "oauth.token.rotated"   //nolint:gosec // boolean flag
	AttrClientAuth    = "oauth.client_auth.method"
	AttrDevicePoll    = "oauth.device.poll_outcome"
	AttrError         = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the client, resource owner, grant type and scope of
// a token request to a span. Empty values are skipped.
func AddGrantAttributes(span trace.Span, clientID, ownerID, grantType, scope string) {
	attrs := make([]attribute.KeyValue, 0, 4)
	for _, kv := range []struct{ key, val string }{
		{AttrClientID, clientID},
		{AttrResourceOwner, ownerID},
		{AttrGrantType, grantType},
		{AttrScope, scope},
	} {
		if kv.val != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.val))
		}
	}
	SetSpanAttributes(span, attrs...)
}

// AddTokenAttributes records whether the token was reused and its family.
func AddTokenAttributes(span trace.Span, familyID string, reused bool) {
	SetSpanAttributes(span, attribute.Bool(AttrTokenReused, reused))
	if familyID != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenFamilyID, familyID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// StartStorageOperation starts a span for a storage operation and returns a
// function that ends it and records the operation count and duration. It is
// safe to call on a nil *Instrumentation.
func (i *Instrumentation) StartStorageOperation(ctx context.Context, storageType, operation string) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := i.Tracer("storage").Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageType, storageType),
		))

	return ctx, func(err error) {
		defer span.End()
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		i.metrics.RecordStorageOperation(ctx, operation, result, durationMs)
	}
}
