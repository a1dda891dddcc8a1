// Package metrics holds the Prometheus collectors shared by the indexer binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LogsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_logs_fetched_total", Help: "TokenRegistered logs received from the chain"},
		[]string{"mode"},
	)
	DecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_decode_failures_total", Help: "Logs skipped because they could not be decoded"},
		[]string{"mode"},
	)
	MarketsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_markets_processed_total", Help: "Markets handled by the persistence pipeline"},
		[]string{"outcome"},
	)
	MetadataFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_metadata_fetches_total", Help: "Metadata lookups by final result"},
		[]string{"result"},
	)
	GammaRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_gamma_requests_total", Help: "HTTP requests to the Gamma API"},
		[]string{"endpoint", "status"},
	)
	GammaRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "indexer_gamma_request_duration_seconds", Help: "Gamma API latency", Buckets: prometheus.DefBuckets},
		[]string{"endpoint"},
	)
	RPCFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "indexer_rpc_fetch_duration_seconds", Help: "eth_getLogs latency per sub-range", Buckets: prometheus.DefBuckets},
	)
	BackfillGaps = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "indexer_backfill_gaps_total", Help: "Sub-ranges skipped after exhausting fetch retries"},
	)
	BackfillLastBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "indexer_backfill_last_block", Help: "Highest block fetched by the running backfill"},
	)
	LiveState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "indexer_live_state", Help: "Live orchestrator state (0=disconnected 1=connecting 2=subscribed 3=reconnecting 4=stopped)"},
	)
	LiveReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "indexer_live_reconnects_total", Help: "Live subscription reconnect attempts"},
	)
	SweepMarkets = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_sweep_markets_total", Help: "Backlog sweep results per market"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		LogsFetched,
		DecodeFailures,
		MarketsProcessed,
		MetadataFetches,
		GammaRequests,
		GammaRequestDuration,
		RPCFetchDuration,
		BackfillGaps,
		BackfillLastBlock,
		LiveState,
		LiveReconnects,
		SweepMarkets,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
