package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestClientIPStripsPort(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:51324", "192.0.2.1"},
		{"192.0.2.1:80", "192.0.2.1"},
		{"[2001:db8::1]:51324", "2001:db8::1"},
		// RealIP middleware may leave a bare IP with no port.
		{"192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		require.Equal(t, tt.want, clientIP(r))
	}
}

func TestRateLimiterBucketIsPerHost(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2)

	// Two requests exhaust the burst for one host regardless of the source
	// port they arrived from; a different host gets its own bucket.
	allowed, _ := rl.Allow("192.0.2.1")
	require.True(t, allowed)
	allowed, _ = rl.Allow("192.0.2.1")
	require.True(t, allowed)

	allowed, retryAfter := rl.Allow("192.0.2.1")
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))

	allowed, _ = rl.Allow("192.0.2.2")
	require.True(t, allowed)
}
