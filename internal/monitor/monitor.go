package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portfolio_terminal"

// Session Metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of currently registered terminal sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "total",
		Help:      "Terminal sessions closed, by close reason",
	}, []string{"reason"})

	SessionSetupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "setup_latency_seconds",
		Help:      "Time from WebSocket accept until the shell is ready",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Command Metrics
var (
	CommandDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "decisions_total",
		Help:      "Validated command lines by verdict and deny reason",
	}, []string{"verdict", "reason"})
)

// Asset Fetch Metrics
var (
	AssetFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "assets",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of project archive fetch and extraction",
		Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"source"})

	AssetFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "assets",
		Name:      "fetch_failures_total",
		Help:      "Failed project archive fetches by failure kind",
	}, []string{"kind"})
)

// Error & KeepAlive Metrics
var (
	ErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors recorded by the error tracker",
	})

	KeepAlivePings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keepalive",
		Name:      "pings_total",
		Help:      "Keep-alive pings by result",
	}, []string{"result"})
)
