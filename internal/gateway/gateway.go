// Package gateway implements the HTTP and WebSocket surface clients talk
// to: request admission, cache lookup, enqueueing onto the request bus,
// and streaming the correlated response back as it arrives.
//
// Both transports drive the same underlying stream loop (dispatchAndStream)
// so that an HTTP SSE client and a WebSocket client receive the same
// chunks in the same order for the same request; only the framing and the
// handling of a timeout or worker error differ between them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inferno-gw/inferno/internal/auth"
	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/cache"
	"github.com/inferno-gw/inferno/internal/inferencelog"
	"github.com/inferno-gw/inferno/internal/metrics"
	"github.com/inferno-gw/inferno/internal/ratelimit"
	"github.com/inferno-gw/inferno/internal/waiter"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"

	"github.com/inferno-gw/inferno/pkg/apierr"
)

// busyMessage is returned verbatim when a request exhausts its timeout
// without producing any content — matching the language the original
// service used so operators grepping logs see a single recognizable string.
const busyMessage = "Server is busy, please try again."

// requestProducer is the subset of bus.RequestProducer the gateway needs.
type requestProducer interface {
	Publish(ctx context.Context, item bus.WorkItem) error
}

// breakerState reports the shared backend breaker's current state, for
// health reporting only — the gateway never trips or resets it directly.
type breakerState interface {
	State() gobreaker.State
}

// Gateway wires request admission to the cache, bus, and waiter registry.
type Gateway struct {
	cache      cache.Cache
	exclusions *cache.ExclusionList
	cacheTTL   time.Duration
	cacheMode  string

	waiters *waiter.Registry
	reqBus  requestProducer

	rateLimiter *ratelimit.IPLimiter
	authChecker *auth.Checker
	requireAuth bool

	logs    *inferencelog.Writer
	metrics *metrics.Registry
	breaker breakerState

	responseTimeout time.Duration
	corsOrigins     []string
	wsSecret        string

	log *slog.Logger
}

// Options configures a new Gateway.
type Options struct {
	Cache       cache.Cache
	Exclusions  *cache.ExclusionList
	CacheTTL    time.Duration
	CacheMode   string
	Waiters     *waiter.Registry
	RequestBus  requestProducer
	RateLimiter *ratelimit.IPLimiter
	AuthChecker *auth.Checker
	RequireAuth bool
	Logs        *inferencelog.Writer
	Metrics     *metrics.Registry
	Breaker     breakerState

	ResponseTimeout time.Duration
	CORSOrigins     []string
	WebSocketSecret string

	Log *slog.Logger
}

// New builds a Gateway from opts.
func New(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cache:      opts.Cache,
		exclusions: opts.Exclusions,
		cacheTTL:   opts.CacheTTL,
		cacheMode:  opts.CacheMode,

		waiters: opts.Waiters,
		reqBus:  opts.RequestBus,

		rateLimiter: opts.RateLimiter,
		authChecker: opts.AuthChecker,
		requireAuth: opts.RequireAuth,

		logs:    opts.Logs,
		metrics: opts.Metrics,
		breaker: opts.Breaker,

		responseTimeout: opts.ResponseTimeout,
		corsOrigins:     opts.CORSOrigins,
		wsSecret:        opts.WebSocketSecret,

		log: log,
	}
}

// completionRequest is the client-facing request body, matching the
// upstream queueing schema's defaults: Model defaults to "gemma-3b-it",
// Temperature to 0.8, and MaxTokens has no default (it is required).
type completionRequest struct {
	RequestID   string  `json:"request_id,omitempty"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

func (r *completionRequest) applyDefaults() {
	if r.Model == "" {
		r.Model = "gemma-3b-it"
	}
	if r.Temperature == 0 {
		r.Temperature = 0.8
	}
}

func (r *completionRequest) validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be a positive integer")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// completionResponse is the OpenAI-compatible text_completion object
// returned for non-streaming requests and assembled client-side from
// streaming chunks.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Cached  bool               `json:"cached,omitempty"`
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

// streamChunk is the per-delta payload written to both SSE and WebSocket
// clients while a response is in flight.
type streamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

// streamResult is what dispatchAndStream hands back once a request's
// stream has ended, however it ended.
type streamResult struct {
	text     string
	timedOut bool
	busErr   error // set when the worker reported a backend failure
}

// dispatchAndStream registers a waiter, publishes the work item, and reads
// frames until a terminal frame, a per-frame timeout, or context
// cancellation. onDelta is invoked for every non-empty text delta in
// arrival order; pass nil to only accumulate the full text.
func (g *Gateway) dispatchAndStream(ctx context.Context, requestID string, item bus.WorkItem, onDelta func(text string) error) streamResult {
	var result streamResult

	ch, err := g.waiters.Register(requestID)
	if err != nil {
		result.busErr = err
		return result
	}
	defer g.waiters.Unregister(requestID)

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	if err := g.reqBus.Publish(ctx, item); err != nil {
		result.busErr = err
		return result
	}
	if g.metrics != nil {
		g.metrics.RecordBusMessage("requests", "publish")
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, g.responseTimeout)
		select {
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				// Caller's own context ended (client disconnect, shutdown),
				// not a response timeout.
				return result
			}
			result.timedOut = true
			return result

		case frame, ok := <-ch:
			cancel()
			if !ok {
				return result
			}
			if frame.Err != nil {
				result.busErr = frame.Err
				return result
			}
			var payload struct {
				Text string `json:"text"`
				Done bool   `json:"done"`
			}
			if err := json.Unmarshal(frame.Data, &payload); err == nil && payload.Text != "" {
				result.text += payload.Text
				if onDelta != nil {
					if derr := onDelta(payload.Text); derr != nil {
						result.busErr = derr
						return result
					}
				}
			}
			if frame.Done {
				return result
			}
		}
	}
}

// newRequestID generates a fresh request id for one completion request.
func newRequestID() string {
	return uuid.NewString()
}

// shouldCache reports whether responses for model should be written to
// and read from the cache.
func (g *Gateway) shouldCache(model string) bool {
	if g.cacheMode == "none" || g.cache == nil {
		return false
	}
	return !g.exclusions.Matches(model)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// recordOutcome logs one completed request to the inference log. It is a
// no-op for any outcome other than a successful, non-empty response —
// timeouts, bus/breaker errors, and empty completions are never persisted,
// matching the at-most-once-on-success inference log contract.
func (g *Gateway) recordOutcome(requestID string, req completionRequest, responseText string, cached bool, latency time.Duration) {
	if g.logs == nil || responseText == "" {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	g.logs.Log(inferencelog.Entry{
		RequestID:   id,
		Model:       req.Model,
		Prompt:      req.Prompt,
		Response:    responseText,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Cached:      cached,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   time.Now(),
	})
}

// apierrWriteBusy is a small indirection so callers read naturally as
// "write the busy response", grounded on apierr.WriteBackendBusy.
func apierrWriteBusy(ctx *fasthttp.RequestCtx) {
	apierr.WriteBackendBusy(ctx)
}
