package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/scribe-engine/internal/stream"
)

// TaskStats provides the collector access to live task state.
type TaskStats interface {
	Stats() stream.Stats
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats TaskStats

	tasks       *prometheus.Desc
	activeRuns  *prometheus.Desc
	subscribers *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (gauges report 0).
func NewCollector(stats TaskStats) *Collector {
	return &Collector{
		stats: stats,
		tasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks currently retained, by status.",
			[]string{"status"}, nil,
		),
		activeRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_runs"),
			"Task runners currently executing.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "subscribers_active"),
			"Subscribers attached across all tasks.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.activeRuns
	ch <- c.subscribers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var st stream.Stats
	if c.stats != nil {
		st = c.stats.Stats()
	}
	for _, s := range []stream.Status{stream.StatusRunning, stream.StatusCompleted, stream.StatusCancelled, stream.StatusError} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(st.ByStatus[s]), string(s))
	}
	ch <- prometheus.MustNewConstMetric(c.activeRuns, prometheus.GaugeValue, float64(st.Active))
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(st.Subscribers))
}
