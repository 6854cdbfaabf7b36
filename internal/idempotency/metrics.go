package idempotency

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the idempotency guard.
type Metrics struct {
	HitsTotal       prometheus.Counter
	MissesTotal     prometheus.Counter
	ClaimsLostTotal prometheus.Counter
	CoalescedTotal  prometheus.Counter
	CacheSize       prometheus.Gauge
}

// NewMetrics registers the idempotency metrics once per process.
//
// Metrics:
//   - idempotency_hits_total - submissions answered from the cache
//   - idempotency_misses_total - submissions that ran
//   - idempotency_claims_lost_total - submissions that waited on another process
//   - idempotency_coalesced_total - concurrent submissions merged in-process
//   - idempotency_cache_size - records held by the in-memory store
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "idempotency_hits_total",
				Help: "Total submissions answered from the idempotency cache",
			}),
			MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "idempotency_misses_total",
				Help: "Total submissions not found in the idempotency cache",
			}),
			ClaimsLostTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "idempotency_claims_lost_total",
				Help: "Total submissions that found the key claimed by another writer",
			}),
			CoalescedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "idempotency_coalesced_total",
				Help: "Total concurrent submissions merged into one in-process",
			}),
			CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "idempotency_cache_size",
				Help: "Current number of records in the in-memory idempotency store",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) hit() {
	if m != nil {
		m.HitsTotal.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.MissesTotal.Inc()
	}
}

func (m *Metrics) claimLost() {
	if m != nil {
		m.ClaimsLostTotal.Inc()
	}
}

func (m *Metrics) coalesced() {
	if m != nil {
		m.CoalescedTotal.Inc()
	}
}

func (m *Metrics) setSize(n int) {
	if m != nil {
		m.CacheSize.Set(float64(n))
	}
}
