package diskio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "disk",
		Name:      "queued_requests",
		Help:      "Disk requests waiting for a worker.",
	})
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "disk",
		Name:      "op_duration_seconds",
		Help:      "Time from submission to completion of disk requests.",
		Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
	}, []string{"op"})
	queueFull = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "disk",
		Name:      "queue_full_total",
		Help:      "Submissions refused because a worker queue was full.",
	})
)
