package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/fetcher"
)

func TestFetchPageReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			t.Errorf("expected configured header, got %q", r.Header.Get("X-Trace"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>menu</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "marketpulse-test", Headers: http.Header{"X-Trace": {"yes"}}}, zap.NewNop())
	page, err := f.FetchPage(context.Background(), srv.URL+"/menu")
	if err != nil {
		t.Fatalf("FetchPage returned error: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", page.StatusCode)
	}
	if string(page.Body) != "<html><body>menu</body></html>" {
		t.Fatalf("unexpected body %q", page.Body)
	}
	if page.ContentType() != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", page.ContentType())
	}
}

func TestFetchPageReturnsErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	page, err := New(Config{}, zap.NewNop()).FetchPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchPage returned error: %v", err)
	}
	if page.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", page.StatusCode)
	}

	pipeline := fetcher.NewPipeline(New(Config{}, zap.NewNop()), zap.NewNop())
	var statusErr *fetcher.StatusError
	_, err = pipeline.Fetch(context.Background(), competitorAt(srv.URL))
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
}

func TestFetchPageRespectsRobots(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true}, zap.NewNop())
	if _, err := f.FetchPage(context.Background(), srv.URL+"/private/menu"); err == nil {
		t.Fatal("expected robots.txt to block the request")
	}
	if _, err := f.FetchPage(context.Background(), srv.URL+"/menu"); err != nil {
		t.Fatalf("allowed path failed: %v", err)
	}
	if got := robotsHits.Load(); got != 1 {
		t.Fatalf("expected robots.txt to be fetched once, got %d", got)
	}
}

func TestFetchPageCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := New(Config{}, zap.NewNop()).FetchPage(ctx, srv.URL); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, zap.NewNop())
	var (
		page     fetcher.Page
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &page, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if page.StatusCode != http.StatusCreated || string(page.Body) != "body" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Header.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", page.Header)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
