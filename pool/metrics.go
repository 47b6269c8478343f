package pool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquire results.
const (
	resultReused    = "reused"
	resultDialed    = "dialed"
	resultExhausted = "exhausted"
	resultError     = "error"
)

// Eviction reasons.
const (
	evictIdle      = "idle"
	evictLRU       = "lru"
	evictUnhealthy = "unhealthy"
	evictGoAway    = "goaway"
)

// Metrics holds the pool's Prometheus collectors. They work unregistered,
// so a pool always records them.
type Metrics struct {
	idle      prometheus.GaugeFunc
	active    prometheus.GaugeFunc
	acquires  *prometheus.CounterVec
	wait      prometheus.Histogram
	evictions *prometheus.CounterVec
}

func newMetrics(p *Pool) *Metrics {
	return &Metrics{
		idle: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "wirecloak_pool_connections",
			Help:        "Pooled connections by state.",
			ConstLabels: prometheus.Labels{"state": "idle"},
		}, func() float64 { return float64(p.Stats().Idle) }),
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "wirecloak_pool_connections",
			Help:        "Pooled connections by state.",
			ConstLabels: prometheus.Labels{"state": "active"},
		}, func() float64 {
			s := p.Stats()
			return float64(s.Conns - s.Idle)
		}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirecloak_pool_acquire_total",
			Help: "Connection acquisitions by result (reused, dialed, exhausted, error).",
		}, []string{"result"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wirecloak_pool_wait_seconds",
			Help:    "Time acquirers spent queued for a connection slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wirecloak_pool_evictions_total",
			Help: "Connections removed from the pool by reason (idle, lru, unhealthy, goaway).",
		}, []string{"reason"}),
	}
}

// Register exposes the collectors on reg. A nil reg is a no-op.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.idle, m.active, m.acquires, m.wait, m.evictions} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			// Share counters with a pool registered earlier.
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if c == m.acquires {
					m.acquires = existing
				} else if c == m.evictions {
					m.evictions = existing
				}
			case prometheus.Histogram:
				m.wait = existing
			}
		}
	}
	return nil
}

func (m *Metrics) acquired(result string) {
	m.acquires.WithLabelValues(result).Inc()
}

func (m *Metrics) waited(d time.Duration) {
	m.wait.Observe(d.Seconds())
}

func (m *Metrics) evicted(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}
