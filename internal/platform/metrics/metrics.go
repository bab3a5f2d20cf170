package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the DASH gateway.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	manifestRequestsTotal  prometheus.Counter
	manifestCacheHitsTotal prometheus.Counter
	segmentsProxiedTotal   prometheus.Counter
	licensesServedTotal    prometheus.Counter
	licenseCacheHitsTotal  prometheus.Counter
	upstreamErrorsTotal    prometheus.Counter
	errorsTotal            prometheus.Counter
	cachedManifests        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of HTTP requests received",
	})
	manifestRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_manifest_requests_total",
		Help: "Total number of manifest requests received",
	})
	manifestCacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_manifest_cache_hits_total",
		Help: "Total number of manifest requests served from a still-valid cached URL",
	})
	segmentsProxiedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_segments_proxied_total",
		Help: "Total number of media segments relayed from the CDN",
	})
	licensesServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_licenses_served_total",
		Help: "Total number of license responses served",
	})
	licenseCacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_license_cache_hits_total",
		Help: "Total number of license responses replayed from the key-id cache",
	})
	upstreamErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total number of failed upstream calls (content API, CDN, license server)",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	cachedManifests := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cached_manifest_urls",
		Help: "Number of resolved manifest URLs currently persisted",
	})

	registry.MustRegister(
		requestsTotal,
		manifestRequestsTotal,
		manifestCacheHitsTotal,
		segmentsProxiedTotal,
		licensesServedTotal,
		licenseCacheHitsTotal,
		upstreamErrorsTotal,
		errorsTotal,
		cachedManifests,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		manifestRequestsTotal:  manifestRequestsTotal,
		manifestCacheHitsTotal: manifestCacheHitsTotal,
		segmentsProxiedTotal:   segmentsProxiedTotal,
		licensesServedTotal:    licensesServedTotal,
		licenseCacheHitsTotal:  licenseCacheHitsTotal,
		upstreamErrorsTotal:    upstreamErrorsTotal,
		errorsTotal:            errorsTotal,
		cachedManifests:        cachedManifests,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncManifestRequests increments the manifest request counter.
func (m *Metrics) IncManifestRequests() {
	m.manifestRequestsTotal.Inc()
}

// IncManifestCacheHits increments the manifest cache hit counter.
func (m *Metrics) IncManifestCacheHits() {
	m.manifestCacheHitsTotal.Inc()
}

// IncSegmentsProxied increments the proxied segment counter.
func (m *Metrics) IncSegmentsProxied() {
	m.segmentsProxiedTotal.Inc()
}

// IncLicensesServed increments the served license counter.
func (m *Metrics) IncLicensesServed() {
	m.licensesServedTotal.Inc()
}

// IncLicenseCacheHits increments the license cache hit counter.
func (m *Metrics) IncLicenseCacheHits() {
	m.licenseCacheHitsTotal.Inc()
}

// IncUpstreamErrors increments the upstream error counter.
func (m *Metrics) IncUpstreamErrors() {
	m.upstreamErrorsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetCachedManifests sets the cached manifest URL gauge.
func (m *Metrics) SetCachedManifests(n int) {
	m.cachedManifests.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
