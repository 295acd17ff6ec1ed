package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stackline/convey/middleware"
)

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, middleware.Middleware) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	tracer := provider.Tracer("test")
	return recorder, middleware.TracingWithTracer(tracer)
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_CreatesSpan(t *testing.T) {
	recorder, mw := setupTestTracer(t)

	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "convey.job.execute" {
		t.Errorf("span name = %q, want %q", got, "convey.job.execute")
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", spans[0].Status().Code)
	}
}

func TestTracing_SpanAttributes(t *testing.T) {
	recorder, mw := setupTestTracer(t)
	j := newTestJob()

	_ = mw(context.Background(), j, func(_ context.Context) error {
		return nil
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if v, ok := spanAttr(span, "convey.job.id"); !ok || v.AsString() != j.ID.String() {
		t.Errorf("convey.job.id = %v, want %s", v.AsString(), j.ID)
	}
	if v, ok := spanAttr(span, "convey.job.handler"); !ok || v.AsString() != "send-email" {
		t.Errorf("convey.job.handler = %v, want send-email", v.AsString())
	}
	if v, ok := spanAttr(span, "convey.queue"); !ok || v.AsString() != "default" {
		t.Errorf("convey.queue = %v, want default", v.AsString())
	}
	if v, ok := spanAttr(span, "convey.attempt"); !ok || v.AsInt64() != 3 {
		t.Errorf("convey.attempt = %v, want 3", v.AsInt64())
	}
}

func TestTracing_ErrorStatus(t *testing.T) {
	recorder, mw := setupTestTracer(t)
	want := errors.New("delivery failed")

	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", status.Code)
	}
	if status.Description != "delivery failed" {
		t.Errorf("status description = %q, want %q", status.Description, "delivery failed")
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestTracing_DefaultIsNoopSafe(t *testing.T) {
	mw := middleware.Tracing()

	called := false
	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}
