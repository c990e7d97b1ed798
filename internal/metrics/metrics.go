// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Listing outcomes recorded by ObserveListings.
const (
	OutcomeUpserted = "upserted"
	OutcomeFiltered = "filtered"
	OutcomeInvalid  = "invalid"
)

var (
	ingestPagesTotal             *prometheus.CounterVec
	ingestBytesTotal             *prometheus.CounterVec
	ingestFetchRetriesTotal      *prometheus.CounterVec
	ingestFetchExhaustedTotal    *prometheus.CounterVec
	ingestListingsTotal          *prometheus.CounterVec
	ingestBatchesTotal           prometheus.Counter
	ingestBatchDurationSeconds   prometheus.Histogram
	ingestRunsTotal              *prometheus.CounterVec
	ingestWatermarkTimestamp     prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	ingestRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_total",
				Help: "Total number of search pages fetched, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		ingestFetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_retries_total",
				Help: "Total number of failed fetch attempts followed by a backoff.",
			},
			[]string{"site"},
		)

		ingestFetchExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_exhausted_total",
				Help: "Total number of pages whose fetch attempts were all exhausted.",
			},
			[]string{"site"},
		)

		ingestListingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_listings_total",
				Help: "Total number of sold-property listings seen, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_batches_total",
				Help: "Total number of date batches completed.",
			},
		)

		ingestBatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_duration_seconds",
				Help:    "Histogram of wall time spent sweeping one date batch.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
		)

		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Total number of ingestion runs, labeled by status.",
			},
			[]string{"status"},
		)

		ingestWatermarkTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_watermark_timestamp_seconds",
				Help: "Unix time of the latest stored sale date.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		ingestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// ClassifyStatus buckets an HTTP status into the label used by ObserveFetch.
func ClassifyStatus(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Push sends the default registry to a Pushgateway. An empty URL is a no-op.
func Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, code int, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	ingestPagesTotal.WithLabelValues(sanitizedSite, ClassifyStatus(code)).Inc()
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a failed attempt that will be retried.
func ObserveRetry(site string) {
	ingestFetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveExhausted counts a page whose attempts all failed.
func ObserveExhausted(site string) {
	ingestFetchExhaustedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveListings adds n listings with the given outcome.
func ObserveListings(outcome string, n int) {
	if n <= 0 {
		return
	}
	ingestListingsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveBatch records a completed date batch.
func ObserveBatch(duration time.Duration) {
	ingestBatchesTotal.Inc()
	ingestBatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given status.
func ObserveRun(status string) {
	ingestRunsTotal.WithLabelValues(status).Inc()
}

// SetWatermark exports the latest stored sale date.
func SetWatermark(latest time.Time) {
	ingestWatermarkTimestamp.Set(float64(latest.Unix()))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	ingestRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
