// Package promexport exposes bus lane counters as Prometheus metrics.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/eventq/bus"
)

const namespace = "eventq"

// Collector reads the counters of a bus on every scrape. Counters are never
// copied, so a scrape always reflects the live values.
type Collector struct {
	b *bus.Bus

	events     *prometheus.Desc
	dispatches *prometheus.Desc
	queued     *prometheus.Desc
	processed  *prometheus.Desc
	longWait   *prometheus.Desc
	longExec   *prometheus.Desc
	depth      *prometheus.Desc
}

// NewCollector creates a collector for b. constLabels are attached to every series.
func NewCollector(b *bus.Bus, constLabels prometheus.Labels) *Collector {
	lane := []string{"executor"}
	return &Collector{
		b: b,
		events: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", "events_total"),
			"Events published on the bus.", nil, constLabels),
		dispatches: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", "dispatches_total"),
			"Deliveries handed to executors.", nil, constLabels),
		queued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "queued_total"),
			"Deliveries accepted by an executor.", lane, constLabels),
		processed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "processed_total"),
			"Deliveries finished by an executor.", append(lane, "outcome"), constLabels),
		longWait: prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "long_wait_total"),
			"Deliveries that waited longer than the configured threshold.", lane, constLabels),
		longExec: prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "long_execution_total"),
			"Deliveries that ran longer than the configured threshold.", lane, constLabels),
		depth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "queue_depth"),
			"Deliveries buffered in a lane.", lane, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.dispatches
	ch <- c.queued
	ch <- c.processed
	ch <- c.longWait
	ch <- c.longExec
	ch <- c.depth
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.b.Stats()
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(stats.EventsObserved))
	ch <- prometheus.MustNewConstMetric(c.dispatches, prometheus.CounterValue, float64(stats.DispatchAttempts))

	for _, lane := range c.b.LanesByName() {
		s := lane.Stats
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.CounterValue, float64(s.Queued), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(s.Succeeded), lane.Name, "succeeded")
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(s.Failed), lane.Name, "failed")
		ch <- prometheus.MustNewConstMetric(c.longWait, prometheus.CounterValue, float64(s.LongWait), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.longExec, prometheus.CounterValue, float64(s.LongExecution), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(lane.QueueDepth), lane.Name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
