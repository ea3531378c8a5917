package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func endedSpan(t *testing.T, annotate func(*testing.T, sdktrace.ReadWriteSpan)) sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	annotate(t, span.(sdktrace.ReadWriteSpan))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	return ended[0]
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestRecordError(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		RecordError(s, errors.New("boom"))
	})
	if span.Status().Code != codes.Error || span.Status().Description != "boom" {
		t.Errorf("Status() = %+v, want error boom", span.Status())
	}
	if len(span.Events()) != 1 {
		t.Errorf("Events() = %d, want 1 exception event", len(span.Events()))
	}
}

func TestSetSpanSuccess(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		SetSpanSuccess(s)
	})
	if span.Status().Code != codes.Ok {
		t.Errorf("Status().Code = %v, want Ok", span.Status().Code)
	}
}

func TestSetSpanError(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		SetSpanError(s, "invalid_grant")
	})
	if span.Status().Code != codes.Error {
		t.Errorf("Status().Code = %v, want Error", span.Status().Code)
	}
}

func TestAddGrantAttributes(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		AddGrantAttributes(s, "app-1", "", "refresh_token", "read write")
	})
	attrs := attrMap(span)

	if attrs[AttrClientID].AsString() != "app-1" {
		t.Errorf("%s = %q, want app-1", AttrClientID, attrs[AttrClientID].AsString())
	}
	if _, ok := attrs[AttrResourceOwner]; ok {
		t.Errorf("empty %s should not be recorded", AttrResourceOwner)
	}
	if attrs[AttrGrantType].AsString() != "refresh_token" {
		t.Errorf("%s = %q, want refresh_token", AttrGrantType, attrs[AttrGrantType].AsString())
	}
}

func TestAddTokenAttributes(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		AddTokenAttributes(s, "family-1", true)
	})
	attrs := attrMap(span)

	if !attrs[AttrTokenReused].AsBool() {
		t.Errorf("%s = false, want true", AttrTokenReused)
	}
	if attrs[AttrTokenFamilyID].AsString() != "family-1" {
		t.Errorf("%s = %q, want family-1", AttrTokenFamilyID, attrs[AttrTokenFamilyID].AsString())
	}
}

func TestAddStorageAndHTTPAttributes(t *testing.T) {
	span := endedSpan(t, func(_ *testing.T, s sdktrace.ReadWriteSpan) {
		AddStorageAttributes(s, "create_access_token", "memory")
		AddHTTPAttributes(s, "POST", "/oauth/token", 400)
	})
	attrs := attrMap(span)

	if attrs[AttrStorageType].AsString() != "memory" {
		t.Errorf("%s = %q, want memory", AttrStorageType, attrs[AttrStorageType].AsString())
	}
	if attrs[AttrHTTPStatusCode].AsInt64() != 400 {
		t.Errorf("%s = %d, want 400", AttrHTTPStatusCode, attrs[AttrHTTPStatusCode].AsInt64())
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddGrantAttributes(nil, "a", "b", "c", "d")
	AddTokenAttributes(nil, "f", false)
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
}
