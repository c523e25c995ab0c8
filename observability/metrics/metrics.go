package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paylock/core/events"
)

// Recorder counts published escrow observations. It satisfies events.Emitter
// so it can sit directly on the node's event fan-out.
type Recorder struct {
	registry *prometheus.Registry
	emitted  *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	emitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paylock",
		Subsystem: "escrow",
		Name:      "events_total",
		Help:      "Escrow observations published by the ledger, by event type.",
	}, []string{"type"})
	registry.MustRegister(emitted)
	return &Recorder{registry: registry, emitted: emitted}
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || evt == nil {
		return
	}
	r.emitted.WithLabelValues(evt.EventType()).Inc()
}

// Handler exposes the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
