package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "videophone",
	Subsystem: "registration",
	Name:      "events_total",
	Help:      "Registration engine events by type",
}, []string{"event"})
