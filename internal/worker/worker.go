// Package worker runs the background goroutine(s) that consume the
// request bus, call the model backend under the shared circuit breaker,
// and publish response frames to the response bus.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/inferno-gw/inferno/internal/backend"
	"github.com/inferno-gw/inferno/internal/breaker"
	"github.com/inferno-gw/inferno/internal/bus"
)

// requestConsumer is the subset of bus.RequestConsumer the worker needs.
type requestConsumer interface {
	ReadWorkItem(ctx context.Context) (bus.WorkItem, error)
}

// responsePublisher is the subset of bus.ResponseProducer the worker needs.
type responsePublisher interface {
	Publish(ctx context.Context, frame bus.ResponseFrame) error
}

// streamer is the subset of backend.Client the worker needs.
type streamer interface {
	Stream(ctx context.Context, req backend.CompletionRequest, onChunk func(backend.Chunk) error) error
}

// Worker pulls work items off the request bus and fulfils them against the
// model backend.
type Worker struct {
	consumer  requestConsumer
	responses responsePublisher
	backend   streamer
	breaker   *breaker.Breaker
	log       *slog.Logger
}

// New builds a Worker.
func New(consumer requestConsumer, responses responsePublisher, be streamer, cb *breaker.Breaker, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{consumer: consumer, responses: responses, backend: be, breaker: cb, log: log}
}

// Run consumes work items until ctx is cancelled or the consumer returns a
// terminal error. It is intended to run for the lifetime of the process,
// one or more instances per replica, inside an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.consumer.ReadWorkItem(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.process(ctx, item)
	}
}

// process calls the backend for one work item and publishes every chunk it
// produces as a response frame, followed by a terminal frame. A breaker-open
// rejection or any other backend failure publishes a single terminal error
// frame instead.
func (w *Worker) process(ctx context.Context, item bus.WorkItem) {
	req := backend.CompletionRequest{
		Model:       item.Model,
		Prompt:      item.Prompt,
		MaxTokens:   item.MaxTokens,
		Temperature: item.Temperature,
	}

	callErr := w.breaker.Call(ctx, func(ctx context.Context) error {
		return w.backend.Stream(ctx, req, func(chunk backend.Chunk) error {
			text := ""
			if len(chunk.Choices) > 0 {
				text = chunk.Choices[0].Text
			}
			return w.publish(ctx, bus.ResponseFrame{RequestID: item.RequestID, Text: text})
		})
	})

	if callErr != nil {
		w.log.Warn("worker: backend call failed", "request_id", item.RequestID, "error", callErr)
		if err := w.publish(ctx, bus.ResponseFrame{RequestID: item.RequestID, Error: callErr.Error(), Done: true}); err != nil {
			w.log.Error("worker: failed to publish error frame", "request_id", item.RequestID, "error", err)
		}
		return
	}

	if err := w.publish(ctx, bus.ResponseFrame{RequestID: item.RequestID, Done: true}); err != nil {
		w.log.Error("worker: failed to publish terminal frame", "request_id", item.RequestID, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, frame bus.ResponseFrame) error {
	return w.responses.Publish(ctx, frame)
}
