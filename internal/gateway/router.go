package gateway

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// readinessCheckTimeout bounds each reachability probe in handleReadiness
// so a stalled Redis or Kafka connection can't hang the readiness endpoint
// itself.
const readinessCheckTimeout = 2 * time.Second

// pinger is implemented by cache and bus collaborators that can report
// their own reachability. Not every Cache/requestProducer implementation
// needs one — MemoryCache, for instance, is always reachable by
// construction — so handleReadiness checks for it with a type assertion
// rather than requiring it on the Cache/requestProducer interfaces.
type pinger interface {
	Ping(ctx context.Context) error
}

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional collaborator routes registered alongside
// the completion routes — metrics exposition is the only one wired by
// default, since auth/token CRUD and OTel are out of scope here.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080"). Pass nil for mgmt to
// start without any management routes.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/completions", g.handleCompletions)
	r.GET("/v1/completions", g.handleWebSocket)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	state := "unknown"
	if g.breaker != nil {
		bs := g.breaker.State()
		state = breakerStateName(bs)
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(int64(bs))
		}
	}
	writeJSON(ctx, map[string]any{
		"status":          "ok",
		"circuit_breaker": state,
	})
}

// handleReadiness reports whether this replica can actually serve a request
// right now: the shared backend breaker must not be open, and the cache and
// bus collaborators (when they support a reachability check) must respond.
// A Kubernetes readiness probe failing here pulls the replica out of
// rotation without restarting it, unlike /health.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.breaker != nil {
		bs := g.breaker.State()
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(int64(bs))
		}
		if breakerStateName(bs) == "open" {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "circuit breaker open"})
			return
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readinessCheckTimeout)
	defer cancel()

	if p, ok := g.cache.(pinger); ok {
		if err := p.Ping(checkCtx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "cache unreachable"})
			return
		}
	}

	if p, ok := g.reqBus.(pinger); ok {
		if err := p.Ping(checkCtx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "bus unreachable"})
			return
		}
	}

	writeJSON(ctx, map[string]string{"status": "ok"})
}

func breakerStateName(s interface{ String() string }) string {
	return s.String()
}
