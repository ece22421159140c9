package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for record routing. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	DiscoveriesTotal  *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram
	ProbesTotal       *prometheus.CounterVec
	InjectionsTotal   *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DiscoveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pssim_discoveries_total",
			Help: "Record location discoveries by outcome",
		}, []string{"outcome"}),
		DiscoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pssim_discovery_duration_seconds",
			Help:    "Wall time of a full discovery across candidates",
			Buckets: prometheus.DefBuckets,
		}),
		ProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pssim_probes_total",
			Help: "Record status probes by candidate and result",
		}, []string{"candidate", "result"}),
		InjectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pssim_outbound_injections_total",
			Help: "Outbound calls seen by the context injector by transport and result",
		}, []string{"transport", "result"}),
	}
}

// RegisterCacheSize exposes the live number of cached locations.
func RegisterCacheSize(reg prometheus.Registerer, size func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pssim_cached_locations",
		Help: "Insurants with a known record location",
	}, func() float64 { return float64(size()) })
}

func (m *Metrics) ObserveDiscovery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DiscoveriesTotal.WithLabelValues(outcome).Inc()
	m.DiscoveryDuration.Observe(d.Seconds())
}

func (m *Metrics) IncProbe(candidate, result string) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(candidate, result).Inc()
}

func (m *Metrics) IncInjection(transport, result string) {
	if m == nil {
		return
	}
	m.InjectionsTotal.WithLabelValues(transport, result).Inc()
}
