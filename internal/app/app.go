// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra      — external connections (Redis, Postgres)
//  2. initBus        — Kafka request/response producers and consumers
//  3. initServices   — waiter registry, breaker, in-memory cache, inference
//     log writer, auth checker, metrics
//  4. initWorkers    — dispatcher and worker (with its backend client), not
//     yet running
//  5. initGateway    — cache selection, rate limiter, and the HTTP/WS
//     surface wired to every subsystem above
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/inferno-gw/inferno/internal/auth"
	"github.com/inferno-gw/inferno/internal/backend"
	"github.com/inferno-gw/inferno/internal/breaker"
	"github.com/inferno-gw/inferno/internal/bus"
	infcache "github.com/inferno-gw/inferno/internal/cache"
	"github.com/inferno-gw/inferno/internal/config"
	"github.com/inferno-gw/inferno/internal/dispatch"
	"github.com/inferno-gw/inferno/internal/gateway"
	"github.com/inferno-gw/inferno/internal/inferencelog"
	"github.com/inferno-gw/inferno/internal/metrics"
	"github.com/inferno-gw/inferno/internal/ratelimit"
	"github.com/inferno-gw/inferno/internal/waiter"
	"github.com/inferno-gw/inferno/internal/worker"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client
	pg  *pgxpool.Pool

	memCache *infcache.MemoryCache

	reqProducer  *bus.RequestProducer
	respProducer *bus.ResponseProducer
	reqConsumer  *bus.RequestConsumer
	respConsumer *bus.ResponseConsumer

	waiters *waiter.Registry
	cb      *breaker.Breaker

	logs        *inferencelog.Writer
	authChecker *auth.Checker
	prom        *metrics.Registry

	dispatcher *dispatch.Dispatcher
	wk         *worker.Worker

	mgmt *gateway.ManagementRoutes
	gw   *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"bus", a.initBus},
		{"services", a.initServices},
		{"workers", a.initWorkers},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the dispatcher, worker, and HTTP server and blocks until ctx
// is cancelled or one of them returns an error. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		return a.wk.Run(gctx)
	})

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more
// than once; concurrent calls are not synchronised with each other.
func (a *App) Close() {
	if a.logs != nil {
		a.logs.Close()
		a.logs = nil
	}
	if a.reqConsumer != nil {
		if err := a.reqConsumer.Close(); err != nil {
			a.log.Error("request consumer close error", slog.String("error", err.Error()))
		}
		a.reqConsumer = nil
	}
	if a.respConsumer != nil {
		if err := a.respConsumer.Close(); err != nil {
			a.log.Error("response consumer close error", slog.String("error", err.Error()))
		}
		a.respConsumer = nil
	}
	if a.reqProducer != nil {
		if err := a.reqProducer.Close(); err != nil {
			a.log.Error("request producer close error", slog.String("error", err.Error()))
		}
		a.reqProducer = nil
	}
	if a.respProducer != nil {
		if err := a.respProducer.Close(); err != nil {
			a.log.Error("response producer close error", slog.String("error", err.Error()))
		}
		a.respProducer = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// connectPostgres builds a pgxpool and verifies connectivity with a PING.
func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

// splitBrokers splits a comma-separated broker list into a slice, trimming
// incidental whitespace around each entry.
func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// backendClient builds the HTTP client the worker uses to stream from the
// model backend.
func backendClient(cfg *config.Config, log *slog.Logger) *backend.Client {
	return backend.New(cfg.Backend.URL, cfg.Timeouts.BackendTimeout, log)
}
