// Package dispatch runs the background goroutine that consumes the
// response bus and routes each frame to the client connection waiting on
// it, via the waiter registry.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/waiter"
)

// responseConsumer is the subset of bus.ResponseConsumer the dispatcher
// needs, kept as an interface so tests can supply a fake bus.
type responseConsumer interface {
	ReadFrame(ctx context.Context) (bus.ResponseFrame, error)
}

// Dispatcher consumes response frames and delivers them to waiters.
type Dispatcher struct {
	consumer responseConsumer
	waiters  *waiter.Registry
	log      *slog.Logger
}

// New builds a Dispatcher.
func New(consumer responseConsumer, waiters *waiter.Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{consumer: consumer, waiters: waiters, log: log}
}

// Run reads frames until ctx is cancelled or the consumer returns a
// terminal error. It is intended to run for the lifetime of the process
// inside an errgroup alongside the worker goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		frame, err := d.consumer.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.deliver(frame)
	}
}

func (d *Dispatcher) deliver(frame bus.ResponseFrame) {
	f := waiter.Frame{
		RequestID: frame.RequestID,
		Done:      frame.Done,
	}
	if frame.Error != "" {
		f.Err = errors.New(frame.Error)
	} else {
		body, err := json.Marshal(chunkPayload{Text: frame.Text, Done: frame.Done})
		if err != nil {
			d.log.Warn("dispatch: failed to marshal frame", "request_id", frame.RequestID, "error", err)
			return
		}
		f.Data = body
	}

	if ok := d.waiters.Deliver(f); !ok {
		d.log.Warn("dispatch: dropping frame, no waiter registered or waiter channel full", "request_id", frame.RequestID)
	}
}

// chunkPayload is the JSON shape placed in waiter.Frame.Data for every
// delivered frame, terminal or not; the gateway decodes it and re-wraps
// the text as its own client-facing chunk.
type chunkPayload struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}
