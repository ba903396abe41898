package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_WithinBurst(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Error("request past burst was allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	if !l.Allow("203.0.113.7") {
		t.Fatal("first caller denied")
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("first caller's burst not exhausted")
	}
	if !l.Allow("203.0.113.8") {
		t.Error("second caller throttled by the first caller's bucket")
	}
}

func TestAllow_Refills(t *testing.T) {
	// 6000 rpm refills a token every 10ms.
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 6000,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	if !l.Allow("203.0.113.7") {
		t.Fatal("first request denied")
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("bucket not drained")
	}

	time.Sleep(25 * time.Millisecond)
	if !l.Allow("203.0.113.7") {
		t.Error("bucket did not refill after waiting")
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/requests/mmr_1", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/requests/mmr_1", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}

func TestMiddleware_BearerTokensGetOwnBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/settlement/balance", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/settlement/balance", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Two distinct sessions behind the same IP are limited separately.
	if code := do("Bearer seller-session-token-aaaa"); code != http.StatusOK {
		t.Fatalf("first session status = %d", code)
	}
	if code := do("Bearer buyer-session-token-bbbbb"); code != http.StatusOK {
		t.Errorf("second session status = %d, want 200", code)
	}
	if code := do("Bearer seller-session-token-aaaa"); code != http.StatusTooManyRequests {
		t.Errorf("repeated session status = %d, want 429", code)
	}
}

func TestCleanup_DropsIdleClients(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   10 * time.Millisecond,
	})

	l.Allow("203.0.113.7")
	l.mu.Lock()
	l.clients["203.0.113.7"].lastCheck = time.Now().Add(-5 * time.Minute)
	l.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	l.mu.RLock()
	_, exists := l.clients["203.0.113.7"]
	l.mu.RUnlock()
	if exists {
		t.Error("idle client survived cleanup")
	}
}
