package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inferno-gw/inferno/internal/auth"
	"github.com/inferno-gw/inferno/internal/breaker"
	"github.com/inferno-gw/inferno/internal/bus"
	infcache "github.com/inferno-gw/inferno/internal/cache"
	"github.com/inferno-gw/inferno/internal/dispatch"
	"github.com/inferno-gw/inferno/internal/gateway"
	"github.com/inferno-gw/inferno/internal/inferencelog"
	"github.com/inferno-gw/inferno/internal/metrics"
	"github.com/inferno-gw/inferno/internal/ratelimit"
	"github.com/inferno-gw/inferno/internal/waiter"
	"github.com/inferno-gw/inferno/internal/worker"
)

// initInfra establishes optional external connections.
// Redis is connected only when CACHE_MODE=redis; the rate limiter uses that
// same connection and is disabled without it. Postgres is only required when REQUIRE_AUTH=true (enforced by
// config.validate before we reach here), but is connected whenever a URL
// is configured so inference logging can use it too.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Postgres.URL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Postgres.URL)))

		pg, err := connectPostgres(ctx, a.cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.log.Info("postgres connected")

		if err := auth.EnsureSchema(ctx, a.pg); err != nil {
			return fmt.Errorf("postgres: ensure api_tokens schema: %w", err)
		}
		if err := inferencelog.EnsureSchema(ctx, a.pg); err != nil {
			return fmt.Errorf("postgres: ensure inference_logs schema: %w", err)
		}
	}

	return nil
}

// initBus builds the Kafka request/response producers and consumers. Every
// replica shares the worker consumer group (so request-topic partitions
// are divided among them) but uses its own, randomly suffixed group for
// the response topic, so each replica observes every response frame
// destined for a waiter it might be holding.
func (a *App) initBus(_ context.Context) error {
	brokers := splitBrokers(a.cfg.Kafka.BootstrapServers)

	a.reqProducer = bus.NewRequestProducer(brokers, a.cfg.Kafka.Topic)
	a.respProducer = bus.NewResponseProducer(brokers, a.cfg.Kafka.ResponseTopic)
	a.reqConsumer = bus.NewRequestConsumer(brokers, a.cfg.Kafka.Topic, a.cfg.Kafka.GroupID)

	dispatcherGroup := bus.NewDispatcherGroupID(a.cfg.Kafka.GroupID)
	a.respConsumer = bus.NewResponseConsumer(brokers, a.cfg.Kafka.ResponseTopic, dispatcherGroup)

	a.log.Info("bus configured",
		slog.String("request_topic", a.cfg.Kafka.Topic),
		slog.String("response_topic", a.cfg.Kafka.ResponseTopic),
		slog.String("worker_group", a.cfg.Kafka.GroupID),
		slog.String("dispatcher_group", dispatcherGroup),
	)

	return nil
}

// initServices creates the waiter registry, circuit breaker, in-memory
// cache (in memory mode), inference log writer and auth checker (when
// Postgres is connected), and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.waiters = waiter.NewRegistry()

	a.cb = breaker.New(breaker.Config{
		ConsecutiveFailures: a.cfg.CircuitBreaker.ConsecutiveFailures,
		OpenTimeout:         a.cfg.CircuitBreaker.OpenTimeout,
	})

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = infcache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	if a.rdb != nil {
		a.log.Info("rate limiting enabled", slog.Int("limit", a.cfg.RateLimit.Limit), slog.Duration("window", a.cfg.RateLimit.Window))
	} else {
		a.log.Warn("rate limiting disabled: redis not configured")
	}

	if a.pg != nil {
		a.logs = inferencelog.New(a.baseCtx, a.pg, a.log)
		a.authChecker = auth.NewChecker(a.pg)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initWorkers builds the dispatcher and worker that run for the process
// lifetime, supervised by Run's errgroup.
func (a *App) initWorkers(_ context.Context) error {
	a.dispatcher = dispatch.New(a.respConsumer, a.waiters, a.log)

	be := backendClient(a.cfg, a.log)
	a.wk = worker.New(a.reqConsumer, a.respProducer, be, a.cb, a.log)

	return nil
}

// initGateway wires together the Gateway with every configured subsystem.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl infcache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = infcache.NewExactCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	var exclusions *infcache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := infcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var rl *ratelimit.IPLimiter
	if a.rdb != nil {
		rl = ratelimit.NewIPLimiter(a.rdb, a.cfg.RateLimit.Limit, a.cfg.RateLimit.Window)
	}

	a.gw = gateway.New(gateway.Options{
		Cache:       cacheImpl,
		Exclusions:  exclusions,
		CacheTTL:    a.cfg.Cache.TTL,
		CacheMode:   a.cfg.Cache.Mode,
		Waiters:     a.waiters,
		RequestBus:  a.reqProducer,
		RateLimiter: rl,
		AuthChecker: a.authChecker,
		RequireAuth: a.cfg.RequireAuth,
		Logs:        a.logs,
		Metrics:     a.prom,
		Breaker:     a.cb,

		ResponseTimeout: a.cfg.Timeouts.ResponseTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
		WebSocketSecret: a.cfg.WebSocketSecret,

		Log: a.log,
	})

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
