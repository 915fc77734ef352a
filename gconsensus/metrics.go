package gconsensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by an [Engine].
type Metrics struct {
	// Transactions accepted for processing, by action type.
	Transactions *prometheus.CounterVec

	// Inbound messages dropped, by reason.
	Dropped *prometheus.CounterVec

	// Tally results, by verdict.
	Verdicts *prometheus.CounterVec

	BlocksSealed prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them on reg.
// If reg is nil, the collectors are created but not registered.
//
// NewMetrics panics if registration fails,
// for instance when called twice with the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nocap",
			Subsystem: "consensus",
			Name:      "transactions_total",
			Help:      "Transactions processed, by action type.",
		}, []string{"action"}),

		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nocap",
			Subsystem: "consensus",
			Name:      "dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nocap",
			Subsystem: "consensus",
			Name:      "verdicts_total",
			Help:      "Vote tallies, by verdict.",
		}, []string{"verdict"}),

		BlocksSealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocap",
			Subsystem: "consensus",
			Name:      "blocks_sealed_total",
			Help:      "Blocks sealed after an accepting tally.",
		}),
	}
}
