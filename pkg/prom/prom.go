package prom

import "github.com/prometheus/client_golang/prometheus"

var (
	Instances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpool_instances",
		Help: "Rserve processes currently registered in the pool",
	})
	Launches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpool_launches_total",
		Help: "Rserve processes started and connected",
	})
	LaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpool_launch_failures_total",
		Help: "attempts to start and connect an Rserve process that failed",
	})
	Reuses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpool_reuses_total",
		Help: "connections served by an already running Rserve process",
	})
	Terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpool_terminations_total",
		Help: "Rserve processes removed from the pool, by reason",
	}, []string{"reason"})
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpool_connected_instances",
		Help: "Rserve processes a client is connected to, sampled by the collector",
	})
	InstanceRSS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpool_instance_rss_bytes",
		Help: "resident memory of each Rserve process, sampled by the collector",
	}, []string{"port"})
	LaunchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpool_launch_duration_seconds",
		Help:    "time from port allocation until the first connection is established",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// run before route define, now at root.go
func init() {
	_ = prometheus.Register(Instances)
	_ = prometheus.Register(Launches)
	_ = prometheus.Register(LaunchFailures)
	_ = prometheus.Register(Reuses)
	_ = prometheus.Register(Terminations)
	_ = prometheus.Register(Connected)
	_ = prometheus.Register(InstanceRSS)
	_ = prometheus.Register(LaunchDuration)
}
