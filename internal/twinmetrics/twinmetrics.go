// Package twinmetrics exposes a twin's derived statistics to Prometheus.
//
// The values are read from the store on every scrape rather than mirrored into
// counters, so they can never drift from what the query operations report.
package twinmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-digitaltwin/ledgertwin"
)

var (
	foldedDesc = prometheus.NewDesc(
		"ledgertwin_events_folded",
		"Events folded into the twin, labelled by kind.",
		[]string{"kind"}, nil,
	)
	rejectedDesc = prometheus.NewDesc(
		"ledgertwin_events_rejected",
		"Events the twin did not fold, labelled by reason.",
		[]string{"reason"}, nil,
	)
	subjectsDesc = prometheus.NewDesc(
		"ledgertwin_subjects",
		"Subjects with an aggregate in the twin.",
		nil, nil,
	)
	stalenessDesc = prometheus.NewDesc(
		"ledgertwin_staleness_seconds",
		"Seconds since the twin last folded an event; zero before the first fold.",
		nil, nil,
	)
)

// Collector implements prometheus.Collector over a Store.
type Collector struct {
	store *ledgertwin.Store
}

func NewCollector(store *ledgertwin.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- foldedDesc
	ch <- rejectedDesc
	ch <- subjectsDesc
	ch <- stalenessDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.DerivedStats()
	for _, k := range ledgertwin.Kinds {
		ch <- prometheus.MustNewConstMetric(foldedDesc, prometheus.CounterValue, float64(stats.Events[k]), string(k))
	}
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(stats.Unrecognized), "unrecognized")
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(stats.Discarded), "discarded")
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(stats.Duplicates), "duplicate")
	ch <- prometheus.MustNewConstMetric(subjectsDesc, prometheus.GaugeValue, float64(stats.Subjects))
	ch <- prometheus.MustNewConstMetric(stalenessDesc, prometheus.GaugeValue, c.store.Staleness().Seconds())
}

// Register registers a Collector for store with reg.
func Register(reg prometheus.Registerer, store *ledgertwin.Store) error {
	return reg.Register(NewCollector(store))
}
