package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/menu", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveFunctionsCount(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(crawlJobsTotal.WithLabelValues("dead_lettered"))
	ObserveCrawlJob("dead_lettered")
	require.InDelta(t, before+1, testutil.ToFloat64(crawlJobsTotal.WithLabelValues("dead_lettered")), 0.001)

	before = testutil.ToFloat64(alertsTotal.WithLabelValues("price_change"))
	ObserveAlert("price_change")
	require.InDelta(t, before+1, testutil.ToFloat64(alertsTotal.WithLabelValues("price_change")), 0.001)

	ObserveFetch("https://Shop.example/menu", "200", 512)
	require.GreaterOrEqual(t, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("shop.example")), 512.0)

	SetQueueDepth("crawl", 7)
	require.InDelta(t, 7, testutil.ToFloat64(queueDepth.WithLabelValues("crawl")), 0.001)

	ObserveBatch("crawl", 2*time.Second)
	require.Positive(t, testutil.CollectAndCount(batchDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
