// Package metrics provides a Prometheus metrics registry for the Sender
// and Consumer binaries.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_inflight_requests{backend}
	inFlight *prometheus.GaugeVec

	// gateway_dispatch_total{model,backend,decision}
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_latency_ms{model,backend}
	dispatchLatency *prometheus.HistogramVec

	// gateway_qos_decisions_total{policy,decision}
	qosDecisions *prometheus.CounterVec

	// gateway_backend_healthy{backend} — 1 healthy, 0 unhealthy
	backendHealthy *prometheus.GaugeVec

	// gateway_strategy_score{backend} — last score reported by a
	// scoring strategy (least-busy); absent for round-robin
	strategyScore *prometheus.GaugeVec

	// gateway_admission_total{layer,result} — layer: burst|queue_depth
	admissionTotal *prometheus.CounterVec

	// gateway_broker_reconnects_total
	brokerReconnects prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with a fresh private prometheus.Registry,
// registering the baseline Go/process collectors plus every
// gateway-specific metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the sender",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, sender-side end to end",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_inflight_requests",
				Help: "Current number of in-flight requests dispatched to a backend",
			},
			[]string{"backend"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Dispatch decisions by model, backend, and outcome (dispatched|requeued|sentinel)",
			},
			[]string{"model", "backend", "decision"},
		),

		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_latency_ms",
				Help:    "Time from dequeue to dispatch decision, in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~16s
			},
			[]string{"model", "backend"},
		),

		qosDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_qos_decisions_total",
				Help: "QoS policy decisions by policy name and outcome",
			},
			[]string{"policy", "decision"},
		),

		backendHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_healthy",
				Help: "Backend health as last observed by the pinger (1=healthy, 0=unhealthy)",
			},
			[]string{"backend"},
		),

		strategyScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_strategy_score",
				Help: "Last score a scoring strategy computed for a backend",
			},
			[]string{"backend"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_total",
				Help: "Admission decisions by layer (burst|queue_depth) and result (accepted|rejected)",
			},
			[]string{"layer", "result"},
		),

		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broker_reconnects_total",
			Help: "Total broker reconnect attempts",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.httpRequestsTotal,
		r.httpDuration,
		r.inFlight,
		r.dispatchTotal,
		r.dispatchLatency,
		r.qosDecisions,
		r.backendHealthy,
		r.strategyScore,
		r.admissionTotal,
		r.brokerReconnects,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// ObserveHTTP records one sender-side HTTP request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// IncInFlight and DecInFlight track requests currently dispatched to backend.
func (r *Registry) IncInFlight(backend string) { r.inFlight.WithLabelValues(backend).Inc() }
func (r *Registry) DecInFlight(backend string) { r.inFlight.WithLabelValues(backend).Dec() }

// RecordDispatch records one dispatch decision and its time-to-decide.
func (r *Registry) RecordDispatch(modelName, backend, decision string, dur time.Duration) {
	r.dispatchTotal.WithLabelValues(modelName, backend, decision).Inc()
	if backend != "" {
		r.dispatchLatency.WithLabelValues(modelName, backend).Observe(float64(dur.Milliseconds()))
	}
}

// RecordQoSDecision records one QoS policy admit/requeue/log decision.
func (r *Registry) RecordQoSDecision(policy, decision string) {
	r.qosDecisions.WithLabelValues(policy, decision).Inc()
}

// SetBackendHealthy sets the pinger-observed health gauge for backend.
func (r *Registry) SetBackendHealthy(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealthy.WithLabelValues(backend).Set(v)
}

// SetStrategyScore records the last score a scoring strategy computed
// for backend (least-busy only; round-robin never calls this).
func (r *Registry) SetStrategyScore(backend string, score float64) {
	r.strategyScore.WithLabelValues(backend).Set(score)
}

// RecordAdmission records one admission decision at the given layer
// ("burst" or "queue_depth").
func (r *Registry) RecordAdmission(layer, result string) {
	r.admissionTotal.WithLabelValues(layer, result).Inc()
}

// RecordBrokerReconnect increments the broker reconnect counter.
func (r *Registry) RecordBrokerReconnect() {
	r.brokerReconnects.Inc()
}

// SetBuildInfo publishes the running binary's version as a gauge so the
// time series always exists.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the Prometheus exposition
// format for this registry.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying *prometheus.Registry for callers
// that need to register additional collectors.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
