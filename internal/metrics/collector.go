package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SteelMorgan/logwatch/internal/domain"
)

const namespace = "logwatch"

// StatsSource is what the collector reads on every scrape; *agent.Agent implements it
type StatsSource interface {
	Stats() map[string]domain.PollStats
	Restarts() uint64
	IsRunning() bool
}

// Collector exposes agent statistics as Prometheus metrics.
// Values are read at scrape time, nothing is cached.
type Collector struct {
	src StatsSource

	polls    *prometheus.Desc
	matches  *prometheus.Desc
	errors   *prometheus.Desc
	offset   *prometheus.Desc
	lastPoll *prometheus.Desc
	restarts *prometheus.Desc
	running  *prometheus.Desc
}

// NewCollector creates a collector over src
func NewCollector(src StatsSource) *Collector {
	labels := []string{"symbol"}
	return &Collector{
		src: src,
		polls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "polls_total"),
			"Poll cycles run per source.", labels, nil),
		matches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "matches_total"),
			"Lines matched per source.", labels, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "poll_errors_total"),
			"Failed poll cycles per source.", labels, nil),
		offset: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "offset_bytes"),
			"Current read offset per source.", labels, nil),
		lastPoll: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_poll_timestamp_seconds"),
			"Unix time of the last poll per source.", labels, nil),
		restarts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "restarts_total"),
			"Restarts triggered by log rotation.", nil, nil),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "running"),
			"1 while the agent is running.", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.polls
	ch <- c.matches
	ch <- c.errors
	ch <- c.offset
	ch <- c.lastPoll
	ch <- c.restarts
	ch <- c.running
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for symbol, st := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(st.Polls), symbol)
		ch <- prometheus.MustNewConstMetric(c.matches, prometheus.CounterValue, float64(st.Matches), symbol)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), symbol)
		ch <- prometheus.MustNewConstMetric(c.offset, prometheus.GaugeValue, float64(st.OffsetBytes), symbol)
		if !st.LastPoll.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastPoll, prometheus.GaugeValue,
				float64(st.LastPoll.UnixNano())/1e9, symbol)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(c.src.Restarts()))

	running := 0.0
	if c.src.IsRunning() {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
}
