package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/composers/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/api/v1/composers/550e8400-e29b-41d4-a716-446655440000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	counter, err := m.APIRequestsTotal.GetMetricWithLabelValues("GET", "/api/v1/composers/{id}", "404")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, counter); v != 1 {
		t.Errorf("Expected request counter 1, got %f", v)
	}

	errs, err := m.APIErrorsTotal.GetMetricWithLabelValues("not_found")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, errs); v != 1 {
		t.Errorf("Expected error counter 1, got %f", v)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic when global metrics is nil
	HTTPMiddleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestNormalizePathWithoutRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/reports/550e8400-e29b-41d4-a716-446655440000", "/api/v1/reports/{id}"},
		{"/api/v1/reports/not-a-uuid", "/api/v1/reports/not-a-uuid"},
		{"/health", "/health"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if got := normalizePath(req); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{422, "validation"},
		{400, "bad_request"},
		{429, "client_error"},
		{200, "unknown"},
	}

	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.expected {
			t.Errorf("categorizeStatus(%d) = %q, expected %q", tt.status, got, tt.expected)
		}
	}
}
