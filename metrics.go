package envisage

import (
	"github.com/awatters/envisage/plugin"
	"github.com/prometheus/client_golang/prometheus"
)

var pluginStates = []plugin.State{
	plugin.StateStopped,
	plugin.StateStarting,
	plugin.StateStarted,
	plugin.StateStopping,
}

// metrics holds the collectors describing an application.
type metrics struct {
	// Plugin metrics
	PluginState       *prometheus.GaugeVec
	PluginTransitions *prometheus.CounterVec

	// Registry metrics
	Services        prometheus.GaugeFunc
	ExtensionPoints prometheus.GaugeFunc
	Bindings        prometheus.GaugeFunc

	// Aggregate cache metrics
	CacheHitsTotal          prometheus.CounterFunc
	CacheMissesTotal        prometheus.CounterFunc
	CacheInvalidationsTotal prometheus.CounterFunc
}

func newMetrics(a *Application) *metrics {
	labels := prometheus.Labels{"application": a.id}
	return &metrics{
		PluginState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "envisage_plugin_state",
				Help:        "1 for the current lifecycle state of each plugin, 0 otherwise",
				ConstLabels: labels,
			},
			[]string{"plugin", "state"},
		),
		PluginTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "envisage_plugin_transitions_total",
				Help:        "Total number of plugin state transitions",
				ConstLabels: labels,
			},
			[]string{"plugin", "state"},
		),
		Services: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "envisage_services",
				Help:        "Number of registered services",
				ConstLabels: labels,
			},
			func() float64 { return float64(a.services.Len()) },
		),
		ExtensionPoints: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "envisage_extension_points",
				Help:        "Number of declared extension points",
				ConstLabels: labels,
			},
			func() float64 { return float64(len(a.extensions.ExtensionPoints())) },
		),
		Bindings: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "envisage_bindings",
				Help:        "Number of active extension point bindings",
				ConstLabels: labels,
			},
			func() float64 { return float64(a.bindingCount()) },
		),
		CacheHitsTotal: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name:        "envisage_extension_cache_hits_total",
				Help:        "Total number of aggregate lookups served from cache",
				ConstLabels: labels,
			},
			func() float64 { return float64(a.extensions.Stats().Hits) },
		),
		CacheMissesTotal: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name:        "envisage_extension_cache_misses_total",
				Help:        "Total number of aggregates computed",
				ConstLabels: labels,
			},
			func() float64 { return float64(a.extensions.Stats().Misses) },
		),
		CacheInvalidationsTotal: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name:        "envisage_extension_cache_invalidations_total",
				Help:        "Total number of aggregate invalidations",
				ConstLabels: labels,
			},
			func() float64 { return float64(a.extensions.Stats().Invalidations) },
		),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PluginState,
		m.PluginTransitions,
		m.Services,
		m.ExtensionPoints,
		m.Bindings,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// observeTransition is installed as the plugin manager's transition hook.
func (m *metrics) observeTransition(id string, from, to plugin.State) {
	for _, s := range pluginStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.PluginState.WithLabelValues(id, s.String()).Set(v)
	}
	if from != to {
		m.PluginTransitions.WithLabelValues(id, to.String()).Inc()
	}
}

func (m *metrics) forget(id string) {
	for _, s := range pluginStates {
		m.PluginState.DeleteLabelValues(id, s.String())
		m.PluginTransitions.DeleteLabelValues(id, s.String())
	}
}
