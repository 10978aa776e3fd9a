// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	DefaultPort              = 9090
	Namespace                = "node_gateway"
	defaultReadHeaderTimeout = 10 * time.Second
)

var (
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "rpc_requests_total",
			Help:      "Count of RPC requests the dispatcher forwarded to a selected node.",
		},
		[]string{"outcome"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "rpc_request_duration_seconds",
			Help:      "Latency of RPC requests the dispatcher forwarded to a selected node.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	CacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Count of cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "upstream_requests_total",
			Help:      "Count of requests forwarded to an upstream node.",
		},
		[]string{"upstream", "outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of requests forwarded to an upstream node.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"upstream", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Upstream circuit breaker state: 0=healthy, 1=unhealthy.",
		},
		[]string{"upstream"},
	)

	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count for an upstream.",
		},
		[]string{"upstream"},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "prober",
			Name:      "probes_total",
			Help:      "Count of health probes issued, by upstream and result.",
		},
		[]string{"upstream", "result"},
	)
)

// NewServer builds the standalone HTTP server exposing /metrics.
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}

// Shutdown is a thin wrapper kept for symmetry with the RPC server's
// lifecycle methods.
func Shutdown(ctx context.Context, server *http.Server) error {
	if err := server.Shutdown(ctx); err != nil {
		zap.L().Error("Failed to gracefully shut down metrics server.", zap.Error(err))
		return err
	}

	return nil
}
