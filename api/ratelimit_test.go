package api

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRateLimiter(t *testing.T) {
	t.Run("AllowsUnderThreshold", func(t *testing.T) {
		rl := newLoginRateLimiter()
		for i := 0; i < maxFailures-1; i++ {
			rl.recordFailure("10.0.0.1")
		}
		blocked, _ := rl.check("10.0.0.1")
		assert.False(t, blocked)
	})

	t.Run("LocksAtThreshold", func(t *testing.T) {
		rl := newLoginRateLimiter()
		for i := 0; i < maxFailures; i++ {
			rl.recordFailure("10.0.0.1")
		}
		blocked, retryAfter := rl.check("10.0.0.1")
		assert.True(t, blocked)
		assert.Greater(t, retryAfter, time.Duration(0))

		// Other clients are unaffected.
		blocked, _ = rl.check("10.0.0.2")
		assert.False(t, blocked)
	})

	t.Run("BackoffGrows", func(t *testing.T) {
		rl := newLoginRateLimiter()
		for i := 0; i < maxFailures; i++ {
			rl.recordFailure("10.0.0.1")
		}
		_, first := rl.check("10.0.0.1")
		rl.recordFailure("10.0.0.1")
		_, second := rl.check("10.0.0.1")
		assert.Greater(t, second, first)
	})

	t.Run("BackoffCapped", func(t *testing.T) {
		rl := newLoginRateLimiter()
		for i := 0; i < maxFailures+20; i++ {
			rl.recordFailure("10.0.0.1")
		}
		_, retryAfter := rl.check("10.0.0.1")
		assert.LessOrEqual(t, retryAfter, maxLockout)
	})

	t.Run("SuccessResets", func(t *testing.T) {
		rl := newLoginRateLimiter()
		for i := 0; i < maxFailures; i++ {
			rl.recordFailure("10.0.0.1")
		}
		rl.recordSuccess("10.0.0.1")
		blocked, _ := rl.check("10.0.0.1")
		assert.False(t, blocked)
	})

	t.Run("SweepDropsStaleRecords", func(t *testing.T) {
		rl := newLoginRateLimiter()
		rl.recordFailure("10.0.0.1")
		rl.attempts["10.0.0.1"].lastFailure = time.Now().Add(-2 * attemptExpiry)
		rl.sweep()
		assert.Empty(t, rl.attempts)
	})
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	t.Run("NoProxiesConfigured", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "192.0.2.10:54321"
		require.Equal(t, "192.0.2.10", extractClientIPWithProxies(r, nil))

		// Headers from a direct client are spoofable and must not move
		// the rate-limit key.
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		require.Equal(t, "192.0.2.10", extractClientIPWithProxies(r, nil))
	})

	t.Run("UntrustedPeerHeaderIgnored", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "192.0.2.10:54321"
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		require.Equal(t, "192.0.2.10", extractClientIPWithProxies(r, trusted))
	})

	t.Run("TrustedProxyForwardedFor", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "10.0.0.1:54321"
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		require.Equal(t, "203.0.113.9", extractClientIPWithProxies(r, trusted))
	})

	t.Run("TrustedProxyRealIP", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "10.0.0.1:54321"
		r.Header.Set("X-Real-IP", "203.0.113.9")
		require.Equal(t, "203.0.113.9", extractClientIPWithProxies(r, trusted))
	})

	t.Run("TrustedProxyGarbageHeader", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "10.0.0.1:54321"
		r.Header.Set("X-Forwarded-For", "not-an-ip")
		require.Equal(t, "10.0.0.1", extractClientIPWithProxies(r, trusted))
	})

	t.Run("IPv6Candidates", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/verify", nil)
		r.RemoteAddr = "[::1]:54321"
		require.Equal(t, "::1", extractClientIPWithProxies(r, nil))

		ip, ok := parseIPCandidate("fe80::1%eth0")
		require.True(t, ok)
		require.Equal(t, "fe80::1", ip)
	})
}
