package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute)

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow("tenant-1"), "request %d should be allowed", i+1)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := NewRateLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("tenant-2"))
		}
		assert.False(t, limiter.Allow("tenant-2"))
	})

	t.Run("separate buckets per key", func(t *testing.T) {
		limiter := NewRateLimiter(2, time.Minute)

		assert.True(t, limiter.Allow("tenant-a"))
		assert.True(t, limiter.Allow("tenant-a"))
		assert.False(t, limiter.Allow("tenant-a"))

		assert.True(t, limiter.Allow("tenant-b"))
		assert.True(t, limiter.Allow("tenant-b"))
	})

	t.Run("refills after the window", func(t *testing.T) {
		limiter := NewRateLimiter(2, 50*time.Millisecond)

		assert.True(t, limiter.Allow("tenant-3"))
		assert.True(t, limiter.Allow("tenant-3"))
		assert.False(t, limiter.Allow("tenant-3"))

		time.Sleep(60 * time.Millisecond)

		assert.True(t, limiter.Allow("tenant-3"))
	})

	t.Run("remaining reports unconsumed tokens", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute)

		assert.Equal(t, 5, limiter.Remaining("fresh-tenant"))

		limiter.Allow("fresh-tenant")
		limiter.Allow("fresh-tenant")

		assert.Equal(t, 3, limiter.Remaining("fresh-tenant"))
	})

	t.Run("concurrent access admits exactly the limit", func(t *testing.T) {
		limiter := NewRateLimiter(100, time.Minute)
		var wg sync.WaitGroup
		allowed := 0
		var mu sync.Mutex

		for i := 0; i < 150; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow("burst-tenant") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, 100, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newLimitedRouter := func(limiter *RateLimiter) *gin.Engine {
		router := gin.New()
		router.Use(RateLimit(limiter))
		router.POST("/v1/usage/events", func(c *gin.Context) {
			c.String(http.StatusAccepted, "ok")
		})
		return router
	}

	send := func(router *gin.Engine, tenantID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/usage/events", nil)
		if tenantID != "" {
			req.Header.Set("X-Tenant-ID", tenantID)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("allows requests within limit", func(t *testing.T) {
		router := newLimitedRouter(NewRateLimiter(3, time.Minute))

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusAccepted, send(router, "").Code)
		}
	})

	t.Run("returns 429 when limit exceeded", func(t *testing.T) {
		router := newLimitedRouter(NewRateLimiter(2, time.Minute))

		send(router, "")
		send(router, "")
		w := send(router, "")

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
	})

	t.Run("sets rate limit headers on admitted requests", func(t *testing.T) {
		router := newLimitedRouter(NewRateLimiter(5, time.Minute))

		w := send(router, "")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("sets Retry-After when blocked", func(t *testing.T) {
		router := newLimitedRouter(NewRateLimiter(1, time.Minute))

		send(router, "")
		w := send(router, "")

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
	})

	t.Run("keys by tenant so one tenant cannot starve another", func(t *testing.T) {
		router := newLimitedRouter(NewRateLimiter(1, time.Minute))

		assert.Equal(t, http.StatusAccepted, send(router, "tenant-1").Code)
		assert.Equal(t, http.StatusTooManyRequests, send(router, "tenant-1").Code)
		assert.Equal(t, http.StatusAccepted, send(router, "tenant-2").Code)
	})
}

func TestRateLimitByKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewRateLimiter(1, time.Minute)
	keyFunc := func(c *gin.Context) string {
		return c.GetHeader("X-API-Key")
	}

	router := gin.New()
	router.Use(RateLimitByKey(limiter, keyFunc))
	router.GET("/v1/billing/balance", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	send := func(apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/billing/balance", nil)
		req.Header.Set("X-API-Key", apiKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("key-1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("key-1").Code)
	assert.Equal(t, http.StatusOK, send("key-2").Code)
}
