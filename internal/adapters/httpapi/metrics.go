package httpapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/mediaroom/internal/core"
)

// statsCollector exposes the session directory's read-time stats as
// prometheus gauges. One Stats walk per scrape, no incremental counters.
type statsCollector struct {
	server *core.Server

	rooms     *prometheus.Desc
	peers     *prometheus.Desc
	producers *prometheus.Desc
	consumers *prometheus.Desc
	workers   *prometheus.Desc
}

func newStatsCollector(server *core.Server) *statsCollector {
	return &statsCollector{
		server:    server,
		rooms:     prometheus.NewDesc("mediaroom_rooms", "Number of live rooms.", nil, nil),
		peers:     prometheus.NewDesc("mediaroom_peers", "Number of connected peers across all rooms.", nil, nil),
		producers: prometheus.NewDesc("mediaroom_producers", "Number of live producers across all rooms.", nil, nil),
		consumers: prometheus.NewDesc("mediaroom_consumers", "Number of live consumers across all rooms.", nil, nil),
		workers:   prometheus.NewDesc("mediaroom_worker_routers", "Routers per worker.", []string{"worker"}, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rooms
	ch <- c.peers
	ch <- c.producers
	ch <- c.consumers
	ch <- c.workers
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.server.Stats()
	ch <- prometheus.MustNewConstMetric(c.rooms, prometheus.GaugeValue, float64(stats.TotalRooms))
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(stats.TotalPeers))
	ch <- prometheus.MustNewConstMetric(c.producers, prometheus.GaugeValue, float64(stats.TotalProducers))
	ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(stats.TotalConsumers))
	for _, w := range stats.Workers {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(w.Usage.Routers), strconv.Itoa(w.Index))
	}
}
