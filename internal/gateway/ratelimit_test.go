package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/gateway"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tb := gateway.NewTokenBucket(2, 3, clock.Now)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request past burst allowed")
	}

	clock.Advance(500 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("expected one token after 500ms at 2/s")
	}
	if tb.Allow() {
		t.Fatal("expected bucket empty again")
	}

	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("refill capped below burst at request %d", i)
		}
	}
	if tb.Allow() {
		t.Fatal("refill exceeded burst")
	}
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 1})

	if !rl.Allow("conn-a") {
		t.Fatal("first message for conn-a rejected")
	}
	if rl.Allow("conn-a") {
		t.Fatal("second message for conn-a allowed")
	}
	if !rl.Allow("conn-b") {
		t.Fatal("conn-b limited by conn-a")
	}

	rl.Forget("conn-a")
	if !rl.Allow("conn-a") {
		t.Fatal("forgotten key should start with a full bucket")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{})
	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("k") {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("default burst allowed %d, want 10", allowed)
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := gateway.NewRateLimiter(config.RateLimitConfig{MessagesPerSecond: 1, Burst: 1})
	rl.SetClock(clock.Now)

	rl.Allow("old")
	clock.Advance(10 * time.Minute)
	rl.Allow("new")

	rl.EvictStale(5 * time.Minute)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket after eviction, got %d", rl.BucketCount())
	}
}

func TestRateLimiter_WrapHTTP(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 2})
	handler := rl.Wrap(okHandler())

	do := func(path, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("/api/worlds", "192.0.2.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	// Same host on another port shares the bucket.
	rec := do("/api/worlds", "192.0.2.1:2000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec := do("/api/worlds", "192.0.2.2:1000"); rec.Code != http.StatusOK {
		t.Fatalf("other host limited: %d", rec.Code)
	}
	if rec := do("/healthz", "192.0.2.1:1000"); rec.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rec.Code)
	}
}
