// Package metrics has the prometheus metrics of authverdict.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Panic is the place where an unhandled panic was recovered.
type Panic string

const (
	PanicWebapi   Panic = "webapi"
	PanicEvaluate Panic = "evaluate"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authverdict_panic_total",
		Help: "Number of recovered panics, per place.",
	},
	[]string{"pkg"},
)

func init() {
	// Initialize, so the metrics show up before the first panic.
	for _, p := range []Panic{PanicWebapi, PanicEvaluate} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

func PanicInc(p Panic) {
	metricPanic.WithLabelValues(string(p)).Inc()
}
