package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxRobotsBytes = 512 << 10

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type robotsEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// robotsTransport caches robots.txt responses per host and retries transient
// TLS failures. When retries run out it answers with an allow-all file.
type robotsTransport struct {
	base       http.RoundTripper
	ttl        time.Duration
	now        func() time.Time
	onFallback func(host string)

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsTransport(base http.RoundTripper, ttl time.Duration, onFallback func(host string)) *robotsTransport {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &robotsTransport{
		base:       base,
		ttl:        ttl,
		now:        time.Now,
		onFallback: onFallback,
		entries:    make(map[string]robotsEntry),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}

	host := strings.ToLower(req.URL.Host)
	if entry, ok := t.cached(host); ok {
		return entry.response(req), nil
	}

	resp, err := t.roundTripWithRetry(req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		if t.onFallback != nil {
			t.onFallback(host)
		}
		return syntheticRobotsAllowAllResponse(req), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	entry := robotsEntry{status: resp.StatusCode, header: resp.Header.Clone(), body: body, expires: t.now().Add(t.ttl)}
	if resp.StatusCode < 500 {
		t.mu.Lock()
		t.entries[host] = entry
		t.mu.Unlock()
	}
	return entry.response(req), nil
}

func (t *robotsTransport) cached(host string) (robotsEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[host]
	if !ok || t.now().After(entry.expires) {
		return robotsEntry{}, false
	}
	return entry, true
}

// roundTripWithRetry returns a nil response when every attempt timed out.
func (t *robotsTransport) roundTripWithRetry(req *http.Request) (*http.Response, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots backoff: %w", err)
		}
	}
	return nil, nil
}

func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
