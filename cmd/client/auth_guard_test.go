package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthLimiterLockoutCycle(t *testing.T) {
	limiter := newAuthLimiter(2, 2*time.Second)
	key := "203.0.113.10"
	now := time.Unix(1000, 0)

	if wait := limiter.blocked(key, now); wait != 0 {
		t.Fatalf("expected initial request allowed")
	}
	if wait := limiter.fail(key, now); wait != 0 {
		t.Fatalf("expected first failure not locked")
	}
	if wait := limiter.fail(key, now.Add(100*time.Millisecond)); wait <= 0 {
		t.Fatalf("expected lock after second failure")
	}
	if wait := limiter.blocked(key, now.Add(time.Second)); wait <= 0 {
		t.Fatalf("expected blocked during lock window")
	}
	if wait := limiter.blocked(key, now.Add(3*time.Second)); wait != 0 {
		t.Fatalf("expected allowed after lock window")
	}
	limiter.fail(key, now.Add(3*time.Second))
	limiter.succeed(key)
	if wait := limiter.fail(key, now.Add(3*time.Second)); wait != 0 {
		t.Fatalf("success must reset the failure count")
	}
}

func TestAPIAuthLocksOutAfterFailures(t *testing.T) {
	now := time.Unix(2000, 0)
	auth := &apiAuth{token: "secret", limiter: newAuthLimiter(2, time.Minute), now: func() time.Time { return now }}
	handler := auth.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	try := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.RemoteAddr = "198.51.100.7:5000"
		if token != "" {
			req.SetBasicAuth("corelink", token)
		}
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec
	}

	if rec := try("secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("basic auth with token must pass, got %d", rec.Code)
	}
	if rec := try("bad"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec := try("bad")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected lockout, got %d retry=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := try("secret"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked client must stay blocked, got %d", rec.Code)
	}
}
