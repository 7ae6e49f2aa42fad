// Package window enforces a sliding-window request limit per client key.
package window

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Counter records a hit for key and decides whether it fits the window.
type Counter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Memory is a per-process sliding log. Idle keys are evicted once their
// newest hit leaves the window.
type Memory struct {
	limit     int
	window    time.Duration
	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// NewMemory creates a process-local counter.
func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

// Allow implements Counter.
func (m *Memory) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.window {
		m.sweep(now)
	}
	cutoff := now.Add(-m.window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= m.limit {
		m.hits[key] = hits
		return Decision{RetryAfter: hits[0].Add(m.window).Sub(now)}, nil
	}
	hits = append(hits, now)
	m.hits[key] = hits
	return Decision{Allowed: true, Remaining: m.limit - len(hits)}, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

func (m *Memory) sweep(now time.Time) {
	cutoff := now.Add(-m.window)
	for key, hits := range m.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.hits, key)
		}
	}
	m.lastSweep = now
}

// Redis keeps one sorted set per key, scored by hit time, so every API
// instance shares the same window.
type Redis struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

// NewRedis creates a Redis-backed counter.
func NewRedis(client redis.Cmdable, prefix string, limit int, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "marketpulse:ratelimit"
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow implements Counter.
func (r *Redis) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	redisKey := r.prefix + ":" + key
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-r.window).UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	card := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(card.Val())
	if count < r.limit {
		return Decision{Allowed: true, Remaining: r.limit - count - 1}, nil
	}

	if err := r.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: remove rejected hit: %w", key, err)
	}
	oldest, err := r.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return Decision{RetryAfter: r.window}, nil
	}
	retry := time.UnixMilli(int64(oldest[0].Score)).Add(r.window).Sub(now)
	return Decision{RetryAfter: retry}, nil
}

// KeyFunc derives the client key from a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the connection address. Forwarding headers are
// ignored; use ProxyAware behind a load balancer.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ParseTrustedProxies parses CIDR ranges and bare addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// ProxyAware keys requests by the client address as seen by the nearest
// trusted proxy. X-Forwarded-For is only read when the connection comes from
// a trusted proxy, and it is walked from the right so hops a client prepends
// never become the key. Without trusted proxies it behaves like ClientIP.
func ProxyAware(trusted []netip.Prefix) KeyFunc {
	if len(trusted) == 0 {
		return ClientIP
	}
	isTrusted := func(addr netip.Addr) bool {
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return func(r *http.Request) string {
		remote := ClientIP(r)
		addr, err := netip.ParseAddr(remote)
		if err != nil || !isTrusted(addr) {
			return remote
		}
		key := remote
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			key = hop.Unmap().String()
			if !isTrusted(hop) {
				break
			}
		}
		return key
	}
}

// Middleware rejects requests over the limit with 429. Counter errors let
// the request through.
func Middleware(counter Counter, clock pulse.Clock, key KeyFunc, route string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == nil {
		key = ClientIP
	}
	logger = logger.Named("ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := counter.Allow(r.Context(), key(r), clock.Now())
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("route", route), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				metrics.ObserveRateLimitRejected(route)
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
