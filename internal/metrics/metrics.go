// Package metrics defines the prometheus collectors shared across
// streamdroplets subsystems, grounded on stellar-arrow-source/go/metrics
// and contract-data-processor's direct use of prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector so CoreServices can construct it once
// and hand it to every subsystem by reference.
type Registry struct {
	ChainRPCCalls    *prometheus.CounterVec
	ChainRPCRetries  *prometheus.CounterVec
	ChainRPCFailures *prometheus.CounterVec

	IndexerEventsCommitted *prometheus.CounterVec
	IndexerCursorLag       *prometheus.GaugeVec

	OracleMisses *prometheus.CounterVec

	TickDuration       prometheus.Histogram
	TickDropletsAwarded prometheus.Counter
	TicksPartial       prometheus.Counter
}

// NewRegistry builds and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ChainRPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdroplets_chain_rpc_calls_total",
			Help: "Total RPC calls made per chain.",
		}, []string{"chain"}),
		ChainRPCRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdroplets_chain_rpc_retries_total",
			Help: "Total RPC retries per chain.",
		}, []string{"chain"}),
		ChainRPCFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdroplets_chain_rpc_failures_total",
			Help: "Total RPC calls that exhausted their retry budget, per chain.",
		}, []string{"chain"}),
		IndexerEventsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdroplets_indexer_events_committed_total",
			Help: "Share/integration events committed, per chain and kind.",
		}, []string{"chain", "kind"}),
		IndexerCursorLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamdroplets_indexer_cursor_lag_blocks",
			Help: "Blocks between a chain's indexer cursor and its head.",
		}, []string{"chain"}),
		OracleMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdroplets_oracle_misses_total",
			Help: "Ticks where an asset's oracle price was unavailable.",
		}, []string{"asset"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamdroplets_tick_duration_seconds",
			Help:    "Wall-clock time to complete one accrual tick.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		TickDropletsAwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamdroplets_tick_droplets_awarded_total",
			Help: "Sum of droplets awarded across all completed ticks.",
		}),
		TicksPartial: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamdroplets_ticks_partial_total",
			Help: "Ticks completed with the partial flag set.",
		}),
	}
}
