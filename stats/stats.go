// Package stats wraps the client-side and host-side call counters and
// latency histograms exposed for Prometheus scraping.
package stats

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/localcomm/shmrpc/cmn/mono"
	"github.com/localcomm/shmrpc/rpc"
)

// Collector records per-service call outcomes. The zero value is not
// usable; construct with NewCollector.
type Collector struct {
	calls    *prometheus.CounterVec
	errs     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	handlerL *prometheus.HistogramVec
}

// NewCollector builds a Collector and registers its metrics with reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmrpc",
			Name:      "calls_total",
			Help:      "Total calls issued by a Caller, by service name.",
		}, []string{"service"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmrpc",
			Name:      "call_errors_total",
			Help:      "Total calls that returned an error, by service name and kind.",
		}, []string{"service", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shmrpc",
			Name:      "call_latency_seconds",
			Help:      "Caller-observed call latency, by service name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		handlerL: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shmrpc",
			Name:      "handler_latency_seconds",
			Help:      "Host-observed handler execution latency, by service name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
	}
	reg.MustRegister(c.calls, c.errs, c.latency, c.handlerL)
	return c
}

// ObserveCall records the outcome of one Caller.Call.
func (c *Collector) ObserveCall(service string, elapsed time.Duration, err error) {
	c.calls.WithLabelValues(service).Inc()
	c.latency.WithLabelValues(service).Observe(elapsed.Seconds())
	if err != nil {
		c.errs.WithLabelValues(service, errKind(err)).Inc()
	}
}

// WrapHandler returns handler instrumented to record its own latency and
// error outcomes under service, for use by a Host.
func (c *Collector) WrapHandler(service string, handler rpc.Handler) rpc.Handler {
	return func(request []byte) ([]byte, error) {
		start := mono.NanoTime()
		reply, err := handler(request)
		elapsed := time.Duration(mono.NanoTime() - start)
		c.handlerL.WithLabelValues(service).Observe(elapsed.Seconds())
		if err != nil {
			c.errs.WithLabelValues(service, "handler").Inc()
		}
		return reply, err
	}
}

func errKind(err error) string {
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		return "not_found"
	case errors.Is(err, rpc.ErrTransport):
		return "transport"
	case errors.Is(err, rpc.ErrProtocol):
		return "protocol"
	case errors.Is(err, rpc.ErrTooLarge):
		return "too_large"
	default:
		return "remote"
	}
}
