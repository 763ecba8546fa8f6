package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/cache"
	"github.com/valyala/fasthttp"
)

// websocket close codes used below, named for readability at call sites.
const (
	closePolicyViolation = websocket.ClosePolicyViolation // bad auth, per-message timeout
	closeInternalError   = websocket.CloseInternalServerErr
)

var upgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// handleWebSocket implements GET /v1/completions as a WebSocket upgrade.
// Each text frame the client sends is treated as one completionRequest;
// the connection serves requests one at a time, in the order received.
//
// Authentication here is a ?token= query parameter checked against the
// configured WebSocket secret, since the WS handshake has no body and
// browsers cannot set arbitrary headers on the upgrade request.
func (g *Gateway) handleWebSocket(ctx *fasthttp.RequestCtx) {
	if g.wsSecret != "" {
		token := string(ctx.QueryArgs().Peek("token"))
		if token != g.wsSecret {
			err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
				defer conn.Close()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closePolicyViolation, "invalid token"),
					time.Now().Add(5*time.Second))
			})
			if err != nil {
				g.log.Warn("gateway: websocket upgrade failed", "error", err)
			}
			return
		}
	}

	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		defer conn.Close()
		g.serveWebSocketConn(conn)
	})
	if err != nil {
		g.log.Warn("gateway: websocket upgrade failed", "error", err)
	}
}

func (g *Gateway) serveWebSocketConn(conn *websocket.Conn) {
	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}

		start := time.Now()

		var req completionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closePolicyViolation, "invalid JSON body"),
				time.Now().Add(5*time.Second))
			return
		}
		req.applyDefaults()
		if err := req.validate(); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closePolicyViolation, err.Error()),
				time.Now().Add(5*time.Second))
			return
		}

		if g.rateLimiter != nil {
			ctx := context.Background()
			allowed, rlErr := g.rateLimiter.Allow(ctx, conn.RemoteAddr().String())
			if rlErr == nil && !allowed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closePolicyViolation, "rate limit exceeded"),
					time.Now().Add(5*time.Second))
				return
			}
		}

		if !g.handleOneWebSocketRequest(conn, req, start) {
			return
		}
	}
}

// handleOneWebSocketRequest serves one request/response exchange over an
// already-upgraded connection. It returns false if the connection should
// be closed (worker or bus error, or response timeout).
func (g *Gateway) handleOneWebSocketRequest(conn *websocket.Conn, req completionRequest, start time.Time) bool {
	cacheable := g.shouldCache(req.Model)
	var fingerprint string
	ctx := context.Background()

	if cacheable {
		fingerprint = cache.Fingerprint(req.Prompt, req.Model, req.MaxTokens, req.Temperature)
		if cached, ok := g.cache.Get(ctx, fingerprint); ok {
			if g.metrics != nil {
				g.metrics.CacheHit()
			}
			g.writeWSChunk(conn, newRequestID(), req, string(cached))
			g.writeWSDone(conn)
			return true
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
		Stream:      true,
	}

	result := g.dispatchAndStream(ctx, requestID, item, func(text string) error {
		return g.writeWSChunk(conn, requestID, req, text)
	})

	switch {
	case result.timedOut:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closePolicyViolation, "response timed out"),
			time.Now().Add(5*time.Second))
		return false

	case result.busErr != nil:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeInternalError, result.busErr.Error()),
			time.Now().Add(5*time.Second))
		return false

	case result.text == "":
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+requestID+`","object":"error","message":"`+busyMessage+`"}`))
		g.writeWSDone(conn)

	default:
		g.writeWSDone(conn)
		if cacheable {
			_ = g.cache.Set(ctx, fingerprint, []byte(result.text), g.cacheTTL)
		}
	}

	g.recordOutcome(requestID, req, result.text, false, time.Since(start))
	if g.metrics != nil {
		g.metrics.ObserveHTTP("/v1/completions [ws]", fasthttp.StatusOK, time.Since(start))
	}
	return true
}

func (g *Gateway) writeWSChunk(conn *websocket.Conn, requestID string, req completionRequest, text string) error {
	chunk := streamChunk{
		ID:     requestID,
		Object: "text_completion",
		Model:  req.Model,
		Choices: []completionChoice{
			{Text: text, Index: 0},
		},
	}
	body, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, body)
}

// writeWSDone sends the terminal frame. Unlike every other WS frame this
// one is a bare literal, not JSON, matching the original streaming
// contract's sentinel rather than the SSE "[DONE]" data line.
func (g *Gateway) writeWSDone(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte("[DONE]"))
}
