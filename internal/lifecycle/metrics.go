package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "loginus_plugins_transitions_total",
	Help: "Plugin lifecycle transitions by transition and result",
}, []string{"transition", "result"})

func init() {
	prometheus.MustRegister(transitions)
}

func observe(transition string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	transitions.WithLabelValues(transition, result).Inc()
}
