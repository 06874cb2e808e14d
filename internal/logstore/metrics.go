package logstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plc",
		Name:      "operations_appended_total",
		Help:      "Operations appended to a log, by operation type.",
	}, []string{"type"})
	rejectedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plc",
		Name:      "operations_rejected_total",
		Help:      "Operations rejected by the log store, by reason.",
	}, []string{"reason"})
)
