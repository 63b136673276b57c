package api

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit int, window time.Duration, now *time.Time) *lookupRateLimiter {
	rl := newLookupRateLimiter(limit, window)
	rl.now = func() time.Time { return *now }
	return rl
}

func TestLookupRateLimiter_AllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(3, time.Minute, &now)

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("198.51.100.1")
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, retryAfter := rl.allow("198.51.100.1")
	require.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestLookupRateLimiter_WindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(2, time.Minute, &now)

	ok, _ := rl.allow("198.51.100.1")
	require.True(t, ok)
	now = now.Add(30 * time.Second)
	ok, _ = rl.allow("198.51.100.1")
	require.True(t, ok)

	ok, retryAfter := rl.allow("198.51.100.1")
	require.False(t, ok)
	assert.Equal(t, 30*time.Second, retryAfter)

	now = now.Add(31 * time.Second)
	ok, _ = rl.allow("198.51.100.1")
	assert.True(t, ok, "first request left the window")
}

func TestLookupRateLimiter_ClientsAreIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(1, time.Minute, &now)

	ok, _ := rl.allow("198.51.100.1")
	require.True(t, ok)
	ok, _ = rl.allow("198.51.100.1")
	require.False(t, ok)

	ok, _ = rl.allow("198.51.100.2")
	assert.True(t, ok)
}

func TestLookupRateLimiter_SweepDropsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(lookupSweepEvery, time.Minute, &now)

	rl.allow("198.51.100.1")
	now = now.Add(2 * time.Minute)
	for i := 1; i < lookupSweepEvery; i++ {
		rl.allow("198.51.100.2")
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, "198.51.100.1")
	assert.Contains(t, rl.requests, "198.51.100.2")
}

func TestLimitLookupsMiddleware(t *testing.T) {
	a := &API{verifyLimiter: newLookupRateLimiter(2, time.Minute)}
	r := chi.NewRouter()
	r.With(a.limitLookups).Get("/certificates/{serial}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/certificates/abc", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("198.51.100.7:4000").Code)
	assert.Equal(t, http.StatusOK, do("198.51.100.7:4001").Code)
	rec := do("198.51.100.7:4002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("198.51.100.8:4000").Code)
}

func TestLimitLookupsDisabled(t *testing.T) {
	a := &API{}
	h := a.limitLookups(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "42", retryAfterString(42*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trustedCIDR := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:       "remote addr without proxies",
			remoteAddr: "203.0.113.5:443",
			want:       "203.0.113.5",
		},
		{
			name:       "headers ignored without proxies",
			remoteAddr: "203.0.113.5:443",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "203.0.113.5",
		},
		{
			name:       "ipv6 remote",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
		{
			name:           "trusted proxy honors XFF",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25, 10.0.0.3"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.25",
		},
		{
			name:           "trusted proxy skips junk XFF entries",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.7",
		},
		{
			name:           "trusted proxy with Forwarded quoted IPv6",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"Forwarded": `for="[2001:db8::42]:1234";proto=https`},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "2001:db8::42",
		},
		{
			name:           "trusted proxy with X-Real-IP",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Real-IP": "203.0.113.11"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.11",
		},
		{
			name:           "XFF takes priority over Forwarded",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.10", "Forwarded": "for=198.51.100.20"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.10",
		},
		{
			name:           "untrusted peer ignores XFF",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "trusted proxy with no headers falls back to remote",
			remoteAddr:     "10.0.0.1:80",
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trustedProxies))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 10.1.2.3 ", "::1", ""})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "10.1.2.3/32", prefixes[1].String())
	assert.Equal(t, "::1/128", prefixes[2].String())

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}
