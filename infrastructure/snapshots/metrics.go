package snapshots

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_snapshot_saves_total",
		Help: "Number of snapshot rows successfully upserted.",
	})
	snapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_snapshot_failures_total",
		Help: "Number of snapshot writes that failed.",
	})
)
