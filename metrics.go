package engage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engine counters. registered on a private registry owned by the caller
// so that embedding apps can expose or ignore them.
type Metrics struct {
	registry *prometheus.Registry

	TogglesCommitted      *prometheus.CounterVec
	TogglesReverted       *prometheus.CounterVec
	TogglesDebounced      *prometheus.CounterVec
	SharesBatched         prometheus.Counter
	SharesFallback        prometheus.Counter
	ShareRecipientsOk     prometheus.Counter
	ShareRecipientsFailed prometheus.Counter
	DirectoryHits         prometheus.Counter
	DirectoryMisses       prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		TogglesCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_toggles_committed_total",
			Help: "Toggle transactions committed by kind.",
		}, []string{"kind"}),
		TogglesReverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_toggles_reverted_total",
			Help: "Optimistic toggles reverted after a failed transaction.",
		}, []string{"kind"}),
		TogglesDebounced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_toggles_debounced_total",
			Help: "Toggle calls ignored inside the debounce window.",
		}, []string{"kind"}),
		SharesBatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_shares_batched_total",
			Help: "Shares delivered on the atomic batch path.",
		}),
		SharesFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_shares_fallback_total",
			Help: "Shares that fell back to sequential per-recipient commits.",
		}),
		ShareRecipientsOk: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_share_recipients_ok_total",
			Help: "Recipients that received a share.",
		}),
		ShareRecipientsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_share_recipients_failed_total",
			Help: "Recipients that could not receive a share.",
		}),
		DirectoryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_directory_cache_hits_total",
			Help: "Directory cache hits.",
		}),
		DirectoryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_directory_cache_misses_total",
			Help: "Directory cache misses.",
		}),
	}

	registry.MustRegister(
		metrics.TogglesCommitted,
		metrics.TogglesReverted,
		metrics.TogglesDebounced,
		metrics.SharesBatched,
		metrics.SharesFallback,
		metrics.ShareRecipientsOk,
		metrics.ShareRecipientsFailed,
		metrics.DirectoryHits,
		metrics.DirectoryMisses,
	)

	return metrics
}

func (self *Metrics) Registry() *prometheus.Registry {
	return self.registry
}
