package gfanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the hub's [Stats] and peer count
// as collectors on reg.
// The collectors read the hub's counters at scrape time.
func (h *Hub) RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, load func(Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "nocap",
				Subsystem: "fanout",
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(load(h.Stats())) },
		)
	}

	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "nocap",
				Subsystem: "fanout",
				Name:      "peers",
				Help:      "Number of currently connected peers.",
			},
			func() float64 { return float64(h.Count()) },
		),
		counter("broadcasts_total", "Broadcasts started.", func(s Stats) uint64 { return s.Broadcasts }),
		counter("deliveries_total", "Payloads delivered to a peer.", func(s Stats) uint64 { return s.Delivered }),
		counter("failures_total", "Payloads that failed to reach a peer.", func(s Stats) uint64 { return s.Failed }),
		counter("peers_added_total", "Peers registered.", func(s Stats) uint64 { return s.Added }),
		counter("peers_removed_total", "Peers unregistered.", func(s Stats) uint64 { return s.Removed }),
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
