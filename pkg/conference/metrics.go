package conference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "videophone",
		Subsystem: "conference",
		Name:      "calls_total",
		Help:      "Calls created by direction",
	}, []string{"direction"})

	metricActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "videophone",
		Subsystem: "conference",
		Name:      "stored_calls",
		Help:      "Calls currently held in storage",
	})
)
