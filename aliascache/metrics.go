package aliascache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Titoyabril/oee-dashboard-sub000/metric"
)

// cacheMetrics holds the cache's own instruments. The unresolved-alias
// counter lives in the core set; these cover the cache lifecycle itself.
type cacheMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	installs      prometheus.Counter
	invalidations prometheus.Counter
	evictions     prometheus.Counter
	identities    prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry) (*cacheMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "hits_total",
			Help:      "Alias lookups that resolved",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "misses_total",
			Help:      "Alias lookups with no table or no entry",
		}),
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "installs_total",
			Help:      "Alias tables installed from births",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "invalidations_total",
			Help:      "Alias tables removed by death messages",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "evictions_total",
			Help:      "Alias tables swept after the inactivity TTL",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgegw",
			Subsystem: "aliascache",
			Name:      "identities",
			Help:      "Identities currently holding alias tables",
		}),
	}

	const component = "aliascache"
	if err := registry.RegisterCounter(component, "hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "installs", m.installs); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "invalidations", m.invalidations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "identities", m.identities); err != nil {
		return nil, err
	}

	return m, nil
}
