package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "videophone",
		Subsystem: "watchdog",
		Name:      "active_timers",
		Help:      "Number of currently armed timers",
	})

	metricFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "videophone",
		Subsystem: "watchdog",
		Name:      "fires_total",
		Help:      "Total number of timer callbacks invoked",
	})
)
