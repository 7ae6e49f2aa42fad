// Package metrics exposes Prometheus collectors for the crawl and notification pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlJobsTotal             *prometheus.CounterVec
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	alertsTotal                *prometheus.CounterVec
	emailsTotal                *prometheus.CounterVec
	schedulerTotal             *prometheus.CounterVec
	batchDurationSeconds       *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	activeJobs                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	rateLimitRejectedTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_crawl_jobs_total",
				Help: "Crawl jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_fetch_pages_total",
				Help: "Competitor pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_fetch_bytes_total",
				Help: "Bytes fetched from competitor pages, labeled by site.",
			},
			[]string{"site"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_alerts_total",
				Help: "Alerts generated, labeled by type.",
			},
			[]string{"type"},
		)

		emailsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_emails_total",
				Help: "Email queue rows handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		schedulerTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_scheduler_competitors_total",
				Help: "Competitors visited by the scheduler, labeled by result.",
			},
			[]string{"result"},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpulse_batch_duration_seconds",
				Help:    "Wall-clock duration of a batch invocation, labeled by batch kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"batch"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpulse_queue_pending",
				Help: "Pending rows per queue as of the last stats read.",
			},
			[]string{"queue"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketpulse_active_crawl_jobs",
				Help: "Crawl jobs currently in flight in this process.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpulse_rate_limit_delay_seconds",
				Help:    "Time spent waiting for an outbound rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)

		rateLimitRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_rate_limit_rejected_total",
				Help: "Inbound requests rejected by the sliding window limiter, labeled by route.",
			},
			[]string{"route"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawlJob counts one crawl job outcome.
func ObserveCrawlJob(outcome string) {
	Init()
	crawlJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch counts a fetched page and its size.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveAlert counts a generated alert.
func ObserveAlert(alertType string) {
	Init()
	alertsTotal.WithLabelValues(alertType).Inc()
}

// ObserveEmail counts one email outcome.
func ObserveEmail(outcome string) {
	Init()
	emailsTotal.WithLabelValues(outcome).Inc()
}

// ObserveScheduler counts one scheduler decision.
func ObserveScheduler(result string) {
	Init()
	schedulerTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records the duration of a batch invocation.
func ObserveBatch(batch string, duration time.Duration) {
	Init()
	batchDurationSeconds.WithLabelValues(batch).Observe(duration.Seconds())
}

// SetQueueDepth records the pending rows of a queue.
func SetQueueDepth(queue string, pending int) {
	Init()
	queueDepth.WithLabelValues(queue).Set(float64(pending))
}

// IncActiveJobs increments the in-flight crawl job gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the in-flight crawl job gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveRateLimitDelay records the time spent waiting on a limiter.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveRateLimitRejected counts a request rejected by the inbound limiter.
func ObserveRateLimitRejected(route string) {
	Init()
	rateLimitRejectedTotal.WithLabelValues(route).Inc()
}

// ObserveHTTPRequest records an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
