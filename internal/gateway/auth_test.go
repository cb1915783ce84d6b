package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/worldgate/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuth_Keys(t *testing.T) {
	handler := gateway.NewAdminAuth("test-key-123").Wrap(okHandler())

	cases := []struct {
		name string
		set  func(r *http.Request)
		want int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer test-key-123") }, http.StatusOK},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "test-key-123") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "api_key=test-key-123" }, http.StatusOK},
		{"wrong", func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong-key") }, http.StatusForbidden},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/worlds", nil)
			tc.set(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAdminAuth_Disabled(t *testing.T) {
	handler := gateway.NewAdminAuth("  ").Wrap(okHandler())

	req := httptest.NewRequest("GET", "/api/worlds", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestAdminAuth_SkipsHealthz(t *testing.T) {
	handler := gateway.NewAdminAuth("test-key-123").Wrap(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rec.Code)
	}
}
