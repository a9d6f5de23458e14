package dealsd

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	now := time.Unix(1_700_000_000, 0)
	limiter.nowFn = func() time.Time { return now }

	require.True(t, limiter.Allow("a"))
	require.True(t, limiter.Allow("a"))
	require.False(t, limiter.Allow("a"))
	require.True(t, limiter.Allow("b"))

	now = now.Add(time.Second)
	require.True(t, limiter.Allow("a"))
	require.False(t, limiter.Allow("a"))
}

func TestRateLimiterPrunesIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	limiter.nowFn = func() time.Time { return now }
	require.True(t, limiter.Allow("a"))
	require.Len(t, limiter.visitors, 1)

	now = now.Add(2 * visitorIdleTTL)
	require.True(t, limiter.Allow("b"))
	require.Len(t, limiter.visitors, 1)
	require.Contains(t, limiter.visitors, "b")
}

func TestRateLimiterMiddleware(t *testing.T) {
	limiter := NewRateLimiter(60, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
}
