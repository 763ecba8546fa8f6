// Package metrics provides a thin Prometheus metrics registry for the
// gateway. Metrics are a collaborator, not a core dependency: the gateway
// must function identically whether or not /metrics is ever scraped.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded elsewhere.
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

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// circuit_breaker_state — 0=closed, 1=half-open, 2=open
	circuitBreakerState prometheus.Gauge

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_bus_messages_total{topic,op}
	busMessages *prometheus.CounterVec

	// gateway_waiter_drops_total — response frames with nowhere to go
	waiterDrops prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry and registers every metric with a fresh private
// prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight completion requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP/WS requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Request duration in seconds, end to end including cache and backend wait",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Shared backend circuit breaker state (0=closed,1=half-open,2=open)",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		busMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_messages_total",
				Help: "Messages produced/consumed on the request and response topics",
			},
			[]string{"topic", "op"},
		),

		waiterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_waiter_drops_total",
			Help: "Response frames dropped because no waiter was registered or the waiter's channel was full",
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
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheHits,
		r.cacheMisses,
		r.circuitBreakerState,
		r.rateLimitTotal,
		r.busMessages,
		r.waiterDrops,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end request metrics for one completed
// HTTP or WebSocket exchange.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordBusMessage(topic, op string) {
	r.busMessages.WithLabelValues(topic, op).Inc()
}

func (r *Registry) RecordWaiterDrop() {
	r.waiterDrops.Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge.
// State values follow sony/gobreaker: 0=closed, 1=half-open, 2=open.
func (r *Registry) SetCircuitBreaker(state int64) {
	r.circuitBreakerState.Set(float64(state))
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving this registry's /metrics
// exposition.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
