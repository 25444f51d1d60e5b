package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/draftgate/draftgate/internal/draft/domain"
)

var (
	draftTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "draft_transitions_total",
			Help:      "Total draft lifecycle transition attempts.",
		},
		[]string{"event", "result"}, // result: "ok", "invalid"
	)
)

func recordTransition(event domain.Event, result string) {
	draftTransitionsCounter.WithLabelValues(string(event), result).Inc()
}
