package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup(no endpoint) returned error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup(no endpoint) returned nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetupEnabled(t *testing.T) {
	// The exporter never connects to this endpoint during Setup; the batch
	// processor is async.
	shutdown, err := Setup(Config{
		Endpoint:    "localhost:4318",
		ServiceName: "dsrouter-test",
	})
	if err != nil {
		t.Fatalf("Setup(enabled) returned error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup(enabled) returned nil shutdown func")
	}
	// Shutdown should not block indefinitely even with no collector.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestMiddlewareWrapsHandler(t *testing.T) {
	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := Middleware()(inner)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if !called {
		t.Fatal("inner handler was not called through middleware")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestHTTPTransportNilBase(t *testing.T) {
	if HTTPTransport(nil) == nil {
		t.Fatal("HTTPTransport(nil) returned nil")
	}
}
