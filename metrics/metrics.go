// Package metrics exposes pool and dispatch statistics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"easy-rpc/message"
	"easy-rpc/middleware"
	"easy-rpc/transport"
)

const namespace = "easyrpc"

// PoolSource is what PoolCollector reads; *transport.Pool satisfies it.
type PoolSource interface {
	Stats() transport.PoolStats
}

// PoolCollector reports a pool's counters at scrape time.
type PoolCollector struct {
	pool      PoolSource
	active    *prometheus.Desc
	idle      *prometheus.Desc
	maxActive *prometheus.Desc
	created   *prometheus.Desc
	destroyed *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector labels the pool's series with name.
func NewPoolCollector(name string, pool PoolSource) *PoolCollector {
	labels := prometheus.Labels{"pool": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", metric), help, nil, labels)
	}
	return &PoolCollector{
		pool:      pool,
		active:    desc("active_connections", "Connections currently borrowed."),
		idle:      desc("idle_connections", "Connections waiting in the idle set."),
		maxActive: desc("max_active_connections", "Upper bound on borrowed plus idle connections."),
		created:   desc("created_connections_total", "Connections opened by the pool."),
		destroyed: desc("destroyed_connections_total", "Connections closed by the pool."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.idle
	ch <- c.maxActive
	ch <- c.created
	ch <- c.destroyed
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.maxActive, prometheus.GaugeValue, float64(s.MaxActive))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(s.Created))
	ch <- prometheus.MustNewConstMetric(c.destroyed, prometheus.CounterValue, float64(s.Destroyed))
}

// Dispatch counts and times dispatched calls on the server side.
type Dispatch struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewDispatch returns unregistered dispatch metrics.
func NewDispatch() *Dispatch {
	return &Dispatch{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "Dispatched calls by target and outcome code.",
		}, []string{"type", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "call_duration_seconds",
			Help:      "Time spent resolving and invoking a call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "method"}),
	}
}

// Register adds the metrics to r.
func (d *Dispatch) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{d.calls, d.duration} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Middleware records every call passing through it. The code label is "ok"
// or the RemoteError code.
func (d *Dispatch) Middleware() middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			code := "ok"
			if resp.Error != nil {
				code = resp.Error.Code
			}
			d.calls.WithLabelValues(req.TargetType, req.Method, code).Inc()
			d.duration.WithLabelValues(req.TargetType, req.Method).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
