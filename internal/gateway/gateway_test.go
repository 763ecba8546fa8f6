package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/metrics"
	"github.com/inferno-gw/inferno/internal/waiter"
)

func TestCompletionRequestApplyDefaults(t *testing.T) {
	var r completionRequest
	r.applyDefaults()

	if r.Model != "gemma-3b-it" {
		t.Errorf("expected default model, got %q", r.Model)
	}
	if r.Temperature != 0.8 {
		t.Errorf("expected default temperature 0.8, got %v", r.Temperature)
	}
}

func TestCompletionRequestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	r := completionRequest{Model: "llama-3", Temperature: 0.1}
	r.applyDefaults()

	if r.Model != "llama-3" {
		t.Errorf("expected model preserved, got %q", r.Model)
	}
	if r.Temperature != 0.1 {
		t.Errorf("expected temperature preserved, got %v", r.Temperature)
	}
}

func TestCompletionRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     completionRequest
		wantErr bool
	}{
		{"valid", completionRequest{Prompt: "hi", MaxTokens: 10}, false},
		{"empty prompt", completionRequest{Prompt: "", MaxTokens: 10}, true},
		{"zero max tokens", completionRequest{Prompt: "hi", MaxTokens: 0}, true},
		{"negative max tokens", completionRequest{Prompt: "hi", MaxTokens: -1}, true},
		{"temperature at lower bound", completionRequest{Prompt: "hi", MaxTokens: 10, Temperature: 0}, false},
		{"temperature at upper bound", completionRequest{Prompt: "hi", MaxTokens: 10, Temperature: 2}, false},
		{"temperature above bound", completionRequest{Prompt: "hi", MaxTokens: 10, Temperature: 5}, true},
		{"temperature below bound", completionRequest{Prompt: "hi", MaxTokens: 10, Temperature: -3}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// fakeRequestBus records every published work item and optionally fails.
type fakeRequestBus struct {
	published []bus.WorkItem
	err       error
}

func (f *fakeRequestBus) Publish(ctx context.Context, item bus.WorkItem) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, item)
	return nil
}

func TestDispatchAndStreamAccumulatesDeltasUntilDone(t *testing.T) {
	waiters := waiter.NewRegistry()
	g := &Gateway{waiters: waiters, responseTimeout: time.Second}
	g.reqBus = &relayingBus{waiters: waiters, frames: []waiter.Frame{
		chunkFrame("hel", false),
		chunkFrame("lo", true),
	}}

	requestID := "req-accum"

	var deltas []string
	result := g.dispatchAndStream(context.Background(), requestID, bus.WorkItem{RequestID: requestID}, func(text string) error {
		deltas = append(deltas, text)
		return nil
	})

	if result.text != "hello" {
		t.Errorf("expected accumulated text 'hello', got %q", result.text)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 onDelta calls, got %d", len(deltas))
	}
	if result.busErr != nil {
		t.Errorf("expected no error, got %v", result.busErr)
	}
}

func TestDispatchAndStreamRecordsBusMessageAndSettlesInFlightGauge(t *testing.T) {
	waiters := waiter.NewRegistry()
	reg := metrics.New()
	g := &Gateway{waiters: waiters, responseTimeout: time.Second, metrics: reg}
	g.reqBus = &relayingBus{waiters: waiters, frames: []waiter.Frame{chunkFrame("hi", true)}}

	requestID := "req-metrics"

	g.dispatchAndStream(context.Background(), requestID, bus.WorkItem{RequestID: requestID}, nil)

	families, err := reg.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var busTotal, inFlight float64
	var sawBusTotal, sawInFlight bool
	for _, f := range families {
		switch f.GetName() {
		case "gateway_bus_messages_total":
			for _, m := range f.GetMetric() {
				busTotal += m.GetCounter().GetValue()
			}
			sawBusTotal = true
		case "gateway_inflight_requests":
			inFlight = f.GetMetric()[0].GetGauge().GetValue()
			sawInFlight = true
		}
	}
	if !sawBusTotal || busTotal != 1 {
		t.Errorf("expected gateway_bus_messages_total=1, got %v (present=%v)", busTotal, sawBusTotal)
	}
	if !sawInFlight || inFlight != 0 {
		t.Errorf("expected gateway_inflight_requests to settle back to 0, got %v (present=%v)", inFlight, sawInFlight)
	}
}

func TestDispatchAndStreamSurfacesWorkerError(t *testing.T) {
	waiters := waiter.NewRegistry()
	g := &Gateway{waiters: waiters, responseTimeout: time.Second}
	g.reqBus = &relayingBus{waiters: waiters, frames: []waiter.Frame{
		{Err: errors.New("vLLM service is unavailable."), Done: true},
	}}

	requestID := "req-err"

	result := g.dispatchAndStream(context.Background(), requestID, bus.WorkItem{RequestID: requestID}, nil)

	if result.busErr == nil || result.busErr.Error() != "vLLM service is unavailable." {
		t.Errorf("expected breaker-open error, got %v", result.busErr)
	}
}

func TestDispatchAndStreamTimesOutWithoutTerminalFrame(t *testing.T) {
	waiters := waiter.NewRegistry()
	g := &Gateway{waiters: waiters, reqBus: &fakeRequestBus{}, responseTimeout: 20 * time.Millisecond}

	requestID := "req-timeout"

	result := g.dispatchAndStream(context.Background(), requestID, bus.WorkItem{RequestID: requestID}, nil)

	if !result.timedOut {
		t.Error("expected timedOut to be true")
	}
	if result.busErr != nil {
		t.Errorf("expected no bus error on a plain timeout, got %v", result.busErr)
	}
}

func TestDispatchAndStreamReturnsEarlyOnCallerCancellation(t *testing.T) {
	waiters := waiter.NewRegistry()
	g := &Gateway{waiters: waiters, reqBus: &fakeRequestBus{}, responseTimeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := g.dispatchAndStream(ctx, "req-cancelled", bus.WorkItem{RequestID: "req-cancelled"}, nil)

	if result.timedOut {
		t.Error("caller cancellation must not be reported as a response timeout")
	}
}

func TestDispatchAndStreamFailsFastOnPublishError(t *testing.T) {
	waiters := waiter.NewRegistry()
	publishErr := errors.New("bus unavailable")
	g := &Gateway{waiters: waiters, reqBus: &fakeRequestBus{err: publishErr}, responseTimeout: time.Second}

	result := g.dispatchAndStream(context.Background(), "req-pub-fail", bus.WorkItem{RequestID: "req-pub-fail"}, nil)

	if result.busErr == nil {
		t.Fatal("expected a publish error to surface as busErr")
	}
	if waiters.Len() != 0 {
		t.Error("expected the waiter to be unregistered after a publish failure")
	}
}

func TestShouldCacheHonoursModeAndNilCache(t *testing.T) {
	g := &Gateway{cacheMode: "none"}
	if g.shouldCache("gemma-3b-it") {
		t.Error("cache mode none must never cache")
	}

	g = &Gateway{cacheMode: "memory", cache: nil}
	if g.shouldCache("gemma-3b-it") {
		t.Error("a nil cache must never be treated as cacheable")
	}
}
