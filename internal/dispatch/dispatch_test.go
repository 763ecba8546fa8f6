package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/inferno-gw/inferno/internal/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	mu     sync.Mutex
	frames []bus.ResponseFrame
	i      int
}

func (f *fakeConsumer) ReadFrame(ctx context.Context) (bus.ResponseFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.frames) {
		return bus.ResponseFrame{}, context.Canceled
	}
	frame := f.frames[f.i]
	f.i++
	return frame, nil
}

func TestDispatcherDeliversFrameToWaiter(t *testing.T) {
	waiters := waiter.NewRegistry()
	ch, err := waiters.Register("req-1")
	require.NoError(t, err)

	consumer := &fakeConsumer{frames: []bus.ResponseFrame{
		{RequestID: "req-1", Text: "hello", Done: false},
		{RequestID: "req-1", Done: true},
	}}

	d := New(consumer, waiters, nil)
	err = d.Run(context.Background())
	assert.NoError(t, err)

	first := <-ch
	var payload chunkPayload
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, "hello", payload.Text)
	assert.False(t, first.Done)

	second := <-ch
	assert.True(t, second.Done)
}

func TestDispatcherDeliversErrorFrame(t *testing.T) {
	waiters := waiter.NewRegistry()
	ch, err := waiters.Register("req-err")
	require.NoError(t, err)

	consumer := &fakeConsumer{frames: []bus.ResponseFrame{
		{RequestID: "req-err", Error: "vLLM service is unavailable."},
	}}

	d := New(consumer, waiters, nil)
	require.NoError(t, d.Run(context.Background()))

	frame := <-ch
	require.Error(t, frame.Err)
	assert.Equal(t, "vLLM service is unavailable.", frame.Err.Error())
}

func TestDispatcherDropsUnknownRequestFrame(t *testing.T) {
	waiters := waiter.NewRegistry()

	consumer := &fakeConsumer{frames: []bus.ResponseFrame{
		{RequestID: "ghost", Text: "x"},
	}}

	d := New(consumer, waiters, nil)
	err := d.Run(context.Background())
	assert.NoError(t, err)
}

type erroringConsumer struct{}

func (erroringConsumer) ReadFrame(ctx context.Context) (bus.ResponseFrame, error) {
	return bus.ResponseFrame{}, errors.New("kafka: connection reset")
}

func TestDispatcherPropagatesTerminalError(t *testing.T) {
	d := New(erroringConsumer{}, waiter.NewRegistry(), nil)
	err := d.Run(context.Background())
	assert.Error(t, err)
}
