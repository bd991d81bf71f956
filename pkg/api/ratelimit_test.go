package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	limiter := NewRateLimiter(0.5, 2)
	defer limiter.Stop()
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/prune", nil))
		assert.Equal(t, http.StatusOK, w.Code, "within burst")
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/prune", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestRateLimiter_SeparateBucketsPerKey(t *testing.T) {
	limiter := NewRateLimiter(1, 1).WithKeyFunc(func(r *http.Request) string {
		return r.Header.Get("X-Caller")
	})
	defer limiter.Stop()
	handler := limiter.Middleware(okHandler())

	send := func(caller string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Caller", caller)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("vault"))
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", RemoteIP(req))

	req.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", RemoteIP(req))
}
