package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newAuthedHandler(t *testing.T) (http.Handler, *Identity) {
	t.Helper()
	validator, err := NewStaticAPIKeyValidator("k1:acme:query|admin")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	var seen Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("handler reached without identity")
		}
		seen = identity
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(nil, validator)(inner), &seen
}

func TestMiddlewareAcceptsAPIKeyHeader(t *testing.T) {
	handler, seen := newAuthedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen.TenantID != "acme" || !seen.HasRole(RoleAdmin) {
		t.Fatalf("identity = %+v", *seen)
	}
}

func TestMiddlewareBearerSchemeIsCaseInsensitive(t *testing.T) {
	for _, scheme := range []string{"Bearer", "bearer", "BEARER"} {
		handler, seen := newAuthedHandler(t)

		req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
		req.Header.Set("Authorization", scheme+" k1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("scheme %q: status = %d", scheme, rec.Code)
		}
		if seen.TenantID != "acme" {
			t.Fatalf("scheme %q: tenant = %q", scheme, seen.TenantID)
		}
	}
}

func TestMiddlewareRejectsMissingAndInvalidKeys(t *testing.T) {
	cases := map[string]func(*http.Request){
		"no credentials": func(*http.Request) {},
		"unknown key":    func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
		"wrong scheme":   func(r *http.Request) { r.Header.Set("Authorization", "Basic k1") },
		"bare token":     func(r *http.Request) { r.Header.Set("Authorization", "k1") },
	}
	for name, prepare := range cases {
		t.Run(name, func(t *testing.T) {
			handler, _ := newAuthedHandler(t)

			req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
			prepare(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q", got)
			}
		})
	}
}
