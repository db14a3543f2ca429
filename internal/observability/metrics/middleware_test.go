package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/123456789", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/widgets/:id", "418"))
	if got != 1 {
		t.Fatalf("HTTPRequestsTotal = %v, want 1", got)
	}
	if inFlight := testutil.ToFloat64(HTTPRequestsInFlight); inFlight != 0 {
		t.Fatalf("HTTPRequestsInFlight should return to 0 after the request completes, got %v", inFlight)
	}
}

func TestHTTPMiddlewarePreservesStatus(t *testing.T) {
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// handler never calls WriteHeader explicitly; recorder defaults to 200.
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("response status = %d, want 200", rr.Code)
	}
	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/health", "200"))
	if got != 1 {
		t.Fatalf("HTTPRequestsTotal = %v, want 1", got)
	}
}
