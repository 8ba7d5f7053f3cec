package metrics

import (
	"net/http"
	"time"

	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/routing"
	"telecom-rtb/internal/targets"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// It implements auction.Recorder, routing.Recorder and calllog.FailureRecorder.
type Metrics struct {
	registry *prometheus.Registry

	auctions        *prometheus.CounterVec
	auctionDuration prometheus.Histogram
	auctionTargets  prometheus.Histogram
	bids            *prometheus.CounterVec
	bidLatency      *prometheus.HistogramVec
	routes          *prometheus.CounterVec
	routeDuration   *prometheus.HistogramVec
	releases        *prometheus.CounterVec
	logFailures     *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Auction and bid timers sit well under the 2s default deadline.
	timerBuckets := prometheus.LinearBuckets(0.05, 0.05, 20)
	timerBuckets = append(timerBuckets, 1.5, 2.0, 3.0, 5.0)

	m := &Metrics{registry: reg}
	m.auctions = newCounter(reg, namespace, "auctions_total",
		"Auctions run, by result (won, no_winner) and whether the deadline fired.",
		[]string{"result", "deadline_hit"})
	m.auctionDuration = newHistogram(reg, namespace, "auction_duration_seconds",
		"Wall time of one auction from fan-out to ranking.", timerBuckets)
	m.auctionTargets = newHistogram(reg, namespace, "auction_targets",
		"Eligible targets per auction.", []float64{0, 1, 2, 3, 5, 8, 13, 21, 34})
	m.bids = newCounter(reg, namespace, "bids_total",
		"Bid responses by outcome.", []string{"outcome"})
	m.bidLatency = newHistogramVec(reg, namespace, "bid_latency_seconds",
		"Latency of one bid call by outcome.", []string{"outcome"}, timerBuckets)
	m.routes = newCounter(reg, namespace, "routes_total",
		"Routed calls by strategy, final state and reason.", []string{"strategy", "state", "reason"})
	m.routeDuration = newHistogramVec(reg, namespace, "route_duration_seconds",
		"Time to a routing decision by strategy.", []string{"strategy"}, timerBuckets)
	m.releases = newCounter(reg, namespace, "capacity_releases_total",
		"Concurrent slots released at call end, by destination kind.", []string{"kind"})
	m.logFailures = newCounter(reg, namespace, "calllog_write_failures_total",
		"Call log writes that failed, by record kind.", []string{"kind"})
	return m
}

func newCounter(reg *prometheus.Registry, namespace, name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	reg.MustRegister(c)
	return c
}

func newHistogram(reg *prometheus.Registry, namespace, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	reg.MustRegister(h)
	return h
}

func newHistogramVec(reg *prometheus.Registry, namespace, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	reg.MustRegister(h)
	return h
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterCampaignCache exposes the campaign cache hit and miss counters.
func (m *Metrics) RegisterCampaignCache(namespace string, stats func() (hits, misses uint64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_cache_hits_total",
			Help:      "Campaign lookups served from the cache.",
		}, func() float64 { h, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_cache_misses_total",
			Help:      "Campaign lookups that reached the store.",
		}, func() float64 { _, miss := stats(); return float64(miss) }),
	)
}

func (m *Metrics) ObserveAuction(_ string, elapsed time.Duration, targetCount int, deadlineHit, won bool) {
	result := "no_winner"
	if won {
		result = "won"
	}
	m.auctions.WithLabelValues(result, boolLabel(deadlineHit)).Inc()
	m.auctionDuration.Observe(elapsed.Seconds())
	m.auctionTargets.Observe(float64(targetCount))
}

func (m *Metrics) ObserveBid(outcome bidding.Outcome, latency time.Duration) {
	m.bids.WithLabelValues(string(outcome)).Inc()
	m.bidLatency.WithLabelValues(string(outcome)).Observe(latency.Seconds())
}

func (m *Metrics) ObserveRoute(strategy string, state routing.State, reason string, elapsed time.Duration) {
	if strategy == "" {
		strategy = "none"
	}
	m.routes.WithLabelValues(strategy, string(state), reason).Inc()
	m.routeDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRelease(kind targets.Kind) {
	m.releases.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) LogWriteFailed(kind string) {
	m.logFailures.WithLabelValues(kind).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
