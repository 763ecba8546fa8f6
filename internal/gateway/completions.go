package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/cache"
	"github.com/valyala/fasthttp"

	"github.com/inferno-gw/inferno/pkg/apierr"
)

// handleCompletions implements POST /v1/completions for both the
// streaming (SSE) and non-streaming cases.
func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if g.requireAuth {
		if err := g.authChecker.VerifyHeader(ctx, string(ctx.Request.Header.Peek("Authorization"))); err != nil {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, err.Error(), apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
	}

	if g.rateLimiter != nil {
		allowed, err := g.rateLimiter.Allow(ctx, ctx.RemoteIP().String())
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	var req completionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.applyDefaults()
	if err := req.validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	cacheable := g.shouldCache(req.Model)
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(req.Prompt, req.Model, req.MaxTokens, req.Temperature)
		if cached, ok := g.cache.Get(ctx, fingerprint); ok {
			if g.metrics != nil {
				g.metrics.CacheHit()
			}
			g.serveCached(ctx, req, string(cached), start)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheMiss()
		}
	}

	requestID := newRequestID()
	item := bus.WorkItem{
		RequestID:   requestID,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}

	if req.Stream {
		g.streamSSE(ctx, requestID, req, item, fingerprint, cacheable, start)
		return
	}
	g.respondNonStreaming(ctx, requestID, req, item, fingerprint, cacheable, start)
}

func (g *Gateway) serveCached(ctx *fasthttp.RequestCtx, req completionRequest, text string, start time.Time) {
	resp := completionResponse{
		ID:     newRequestID(),
		Object: "text_completion",
		Model:  req.Model,
		Cached: true,
		Choices: []completionChoice{
			{Text: text, Index: 0, FinishReason: "stop"},
		},
	}
	writeJSON(ctx, resp)
	if g.metrics != nil {
		g.metrics.ObserveHTTP("/v1/completions", fasthttp.StatusOK, time.Since(start))
	}
}

func (g *Gateway) respondNonStreaming(ctx *fasthttp.RequestCtx, requestID string, req completionRequest, item bus.WorkItem, fingerprint string, cacheable bool, start time.Time) {
	result := g.dispatchAndStream(ctx, requestID, item, nil)

	status := fasthttp.StatusOK
	switch {
	case result.busErr != nil:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, result.busErr.Error(), apierr.TypeServerError, apierr.CodeBackendBusy)
		status = fasthttp.StatusServiceUnavailable
	case result.text == "":
		apierrWriteBusy(ctx)
		status = fasthttp.StatusServiceUnavailable
	default:
		resp := completionResponse{
			ID:     requestID,
			Object: "text_completion",
			Model:  req.Model,
			Choices: []completionChoice{
				{Text: result.text, Index: 0, FinishReason: "stop"},
			},
		}
		writeJSON(ctx, resp)
		if !result.timedOut {
			if cacheable {
				_ = g.cache.Set(ctx, fingerprint, []byte(result.text), g.cacheTTL)
			}
			g.recordOutcome(requestID, req, result.text, false, time.Since(start))
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveHTTP("/v1/completions", status, time.Since(start))
	}
}

// streamSSE streams deltas to the client as Server-Sent Events, terminated
// by a literal "data: [DONE]" event. It shares the stream loop with the
// WebSocket path (handleOneWebSocketRequest), but a timeout or worker error
// is reported here as an error event followed by [DONE], whereas the
// WebSocket path closes the connection instead.
func (g *Gateway) streamSSE(ctx *fasthttp.RequestCtx, requestID string, req completionRequest, item bus.WorkItem, fingerprint string, cacheable bool, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		emittedAny := false

		// ctx itself is the cancellation signal here: fasthttp closes its
		// Done channel when the client disconnects mid-stream, so the wait
		// loop in dispatchAndStream stops paying per-frame RESPONSE_TIMEOUT
		// for a client that already left instead of riding out the worker's
		// stream to completion.
		result := g.dispatchAndStream(ctx, requestID, item, func(text string) error {
			emittedAny = true
			chunk := streamChunk{
				ID:     requestID,
				Object: "text_completion",
				Model:  req.Model,
				Choices: []completionChoice{
					{Text: text, Index: 0},
				},
			}
			body, _ := json.Marshal(chunk)
			if _, err := w.Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := w.Write(body); err != nil {
				return err
			}
			_, err := w.Write([]byte("\n\n"))
			return err
		})

		switch {
		case result.busErr != nil:
			// A worker/bus error ends the stream early, possibly after some
			// text has already reached the client. Forward it as its own
			// error event so the client learns the response is incomplete,
			// instead of silently terminating with [DONE] as if nothing had
			// gone wrong.
			errEvent, _ := json.Marshal(map[string]string{
				"id":      requestID,
				"object":  "error",
				"message": result.busErr.Error(),
			})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(errEvent)
			_, _ = w.Write([]byte("\n\n"))
		case !emittedAny:
			busy, _ := json.Marshal(map[string]string{
				"id":      requestID,
				"object":  "error",
				"message": busyMessage,
			})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(busy)
			_, _ = w.Write([]byte("\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		_ = w.Flush()

		if result.busErr == nil && !result.timedOut {
			if cacheable && result.text != "" {
				_ = g.cache.Set(context.Background(), fingerprint, []byte(result.text), g.cacheTTL)
			}
			g.recordOutcome(requestID, req, result.text, false, time.Since(start))
		}
		if g.metrics != nil {
			g.metrics.ObserveHTTP("/v1/completions", fasthttp.StatusOK, time.Since(start))
		}
	})
}
