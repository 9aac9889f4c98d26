package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountgate_verdicts_total",
		Help: "Gate verdicts by risk level and validity",
	}, []string{"risk_level", "valid"})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountgate_rate_limit_decisions_total",
		Help: "Rate limiter decisions by window",
	}, []string{"allowed", "window"})

	RateLimitEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountgate_rate_limit_evictions_total",
		Help: "Idle rate limiter states removed by the sweep",
	})

	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountgate_probe_latency_seconds",
		Help:    "Live credential probe latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"exchange", "outcome"})

	ValidationCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountgate_validation_cache_total",
		Help: "Credential validation cache lookups",
	}, []string{"result"})

	AutoBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountgate_auto_blocks_total",
		Help: "Accounts blocked automatically on critical risk",
	})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountgate_audit_dropped_total",
		Help: "Audit records that could not be persisted",
	})

	AdminRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountgate_admin_rejections_total",
		Help: "Admin requests rejected by the shared-secret guards",
	}, []string{"check", "reason"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountgate_http_errors_total",
		Help: "Errors rendered by the error middleware, by code",
	}, []string{"code"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountgate_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})
)
