package eventqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPosted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "videophone",
	Subsystem: "eventqueue",
	Name:      "events_posted_total",
	Help:      "Total number of events posted, by queue name",
}, []string{"queue"})
