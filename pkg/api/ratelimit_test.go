package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterMap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rl := newRateLimiterMap(2)
	rl.now = func() time.Time { return now }

	assert.Zero(t, rl.reserve("10.0.0.1"))
	assert.Zero(t, rl.reserve("10.0.0.1"))

	wait := rl.reserve("10.0.0.1")
	assert.InDelta(t, 30*time.Second, wait, float64(time.Second))

	// The rejected request did not consume a token.
	now = now.Add(30 * time.Second)
	assert.Zero(t, rl.reserve("10.0.0.1"))

	// Other addresses have their own bucket.
	assert.Zero(t, rl.reserve("10.0.0.2"))

	rl.evict(now.Add(rateLimitEntryTTL - time.Second))
	assert.Len(t, rl.limiters, 2)

	rl.evict(now.Add(rateLimitEntryTTL + time.Second))
	assert.Empty(t, rl.limiters)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newHarness(t, &config.ServerConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	for range 2 {
		rec := h.do(t, http.MethodGet, "/api/v1/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	rec = h.do(t, http.MethodGet, "/api/v1/health", nil, "X-Forwarded-For", "192.0.2.9, 10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "no port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "forwarded", remoteAddr: "10.0.0.1:80", xff: " 198.51.100.7 , 10.0.0.1", want: "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
