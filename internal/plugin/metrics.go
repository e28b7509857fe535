package plugin

import "github.com/prometheus/client_golang/prometheus"

var (
	loadedModules = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loginus_plugins_loaded",
		Help: "Number of plugin modules currently loaded",
	})
	loadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loginus_plugin_load_failures_total",
		Help: "Total number of failed plugin module loads by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(loadedModules, loadFailures)
}
