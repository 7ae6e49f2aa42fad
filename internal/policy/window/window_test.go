package window

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/clock"
)

var epoch = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func TestMemorySlidingWindow(t *testing.T) {
	t.Parallel()

	m := NewMemory(2, time.Minute)
	ctx := context.Background()

	d, err := m.Allow(ctx, "1.2.3.4", epoch)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, _ = m.Allow(ctx, "1.2.3.4", epoch.Add(20*time.Second))
	require.True(t, d.Allowed)

	d, _ = m.Allow(ctx, "1.2.3.4", epoch.Add(30*time.Second))
	require.False(t, d.Allowed)
	require.Equal(t, 30*time.Second, d.RetryAfter)

	d, _ = m.Allow(ctx, "5.6.7.8", epoch.Add(30*time.Second))
	require.True(t, d.Allowed, "keys are independent")

	d, _ = m.Allow(ctx, "1.2.3.4", epoch.Add(61*time.Second))
	require.True(t, d.Allowed, "oldest hit left the window")
}

func TestMemoryEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	m := NewMemory(5, time.Minute)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "a", epoch)
	_, _ = m.Allow(ctx, "b", epoch.Add(30*time.Second))
	require.Equal(t, 2, m.Len())

	_, _ = m.Allow(ctx, "c", epoch.Add(2*time.Minute))
	require.Equal(t, 1, m.Len())
}

func TestRedisSlidingWindow(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client, "test", 2, time.Minute)
	ctx := context.Background()

	d, err := r.Allow(ctx, "ip", epoch)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, err = r.Allow(ctx, "ip", epoch.Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	d, err = r.Allow(ctx, "ip", epoch.Add(15*time.Second))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 45*time.Second, d.RetryAfter)

	members, err := client.ZCard(ctx, "test:ip").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, members, "rejected hits are not recorded")

	d, err = r.Allow(ctx, "ip", epoch.Add(65*time.Second))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

type failingCounter struct{}

func (failingCounter) Allow(context.Context, string, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := Middleware(NewMemory(1, time.Minute), clk, nil, "/api/crawl/status", nil)(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/crawl/status", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	other := httptest.NewRequest(http.MethodGet, "/api/crawl/status", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := Middleware(failingCounter{}, clock.NewManual(epoch), nil, "status", nil)(ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIPIgnoresForwardedFor(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	require.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	require.Equal(t, "192.0.2.1", ClientIP(req))
}

func TestProxyAware(t *testing.T) {
	t.Parallel()

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", ""})
	require.NoError(t, err)
	require.Len(t, trusted, 2)
	key := ProxyAware(trusted)

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "untrusted peer ignores header", remote: "203.0.113.5:80", xff: "198.51.100.7", want: "203.0.113.5"},
		{name: "trusted peer uses last hop", remote: "10.1.2.3:80", xff: "198.51.100.7", want: "198.51.100.7"},
		{name: "spoofed leading hops are ignored", remote: "10.1.2.3:80", xff: "1.1.1.1, 2.2.2.2, 198.51.100.7", want: "198.51.100.7"},
		{name: "trusted hops are skipped", remote: "192.0.2.10:80", xff: "198.51.100.7, 10.9.9.9", want: "198.51.100.7"},
		{name: "garbage hop stops the walk", remote: "10.1.2.3:80", xff: "198.51.100.7, nonsense", want: "10.1.2.3"},
		{name: "missing header keys the proxy", remote: "10.1.2.3:80", want: "10.1.2.3"},
		{name: "all hops trusted keys the leftmost", remote: "10.1.2.3:80", xff: "10.4.4.4, 10.5.5.5", want: "10.4.4.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			require.Equal(t, tt.want, key(req))
		})
	}

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
}

func TestMiddlewareRotatingForwardedForStillLimited(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	handler := Middleware(NewMemory(1, time.Minute), clk, ClientIP, "/api/crawl/status", nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 2)
	for _, fwd := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/crawl/status", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		req.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
