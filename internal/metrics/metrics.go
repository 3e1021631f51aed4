// File: internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tickchart_ticks_ingested_total", Help: "Live ticks received from the feed"},
		[]string{"symbol"},
	)
	Merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tickchart_merges_total", Help: "Merge outcomes by result (appended/corrected/duplicate/out_of_order)"},
		[]string{"symbol", "result"},
	)
	TicksSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tickchart_ticks_suppressed_total", Help: "Ticks dropped by the loading gate or for non-selected symbols"},
		[]string{"reason"},
	)
	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tickchart_records_dropped_total", Help: "Raw records failing normalization"},
		[]string{"source"},
	)
	HistoryFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tickchart_history_fetches_total", Help: "Historical snapshot fetches by outcome (ok/error/stale)"},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(TicksIngested, Merges, TicksSuppressed, RecordsDropped, HistoryFetches)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
