package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inferno-gw/inferno/internal/backend"
	"github.com/inferno-gw/inferno/internal/breaker"
	"github.com/inferno-gw/inferno/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequestConsumer struct {
	mu    sync.Mutex
	items []bus.WorkItem
	i     int
}

func (f *fakeRequestConsumer) ReadWorkItem(ctx context.Context) (bus.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.items) {
		return bus.WorkItem{}, context.Canceled
	}
	item := f.items[f.i]
	f.i++
	return item, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []bus.ResponseFrame
}

func (p *recordingPublisher) Publish(ctx context.Context, frame bus.ResponseFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

type fakeStreamer struct {
	chunks []backend.Chunk
	err    error
}

func (s fakeStreamer) Stream(ctx context.Context, req backend.CompletionRequest, onChunk func(backend.Chunk) error) error {
	if s.err != nil {
		return s.err
	}
	for _, c := range s.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func TestWorkerPublishesChunksThenTerminal(t *testing.T) {
	consumer := &fakeRequestConsumer{items: []bus.WorkItem{{RequestID: "r1", Prompt: "hi", Model: "m"}}}
	pub := &recordingPublisher{}
	st := fakeStreamer{chunks: []backend.Chunk{
		{Choices: []backend.Choice{{Text: "hel"}}},
		{Choices: []backend.Choice{{Text: "lo"}}},
	}}
	cb := breaker.New(breaker.Config{ConsecutiveFailures: 5, OpenTimeout: time.Second})

	w := New(consumer, pub, st, cb, nil)
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, pub.frames, 3)
	assert.Equal(t, "hel", pub.frames[0].Text)
	assert.Equal(t, "lo", pub.frames[1].Text)
	assert.True(t, pub.frames[2].Done)
	assert.Empty(t, pub.frames[2].Error)
}

func TestWorkerPublishesErrorFrameOnBackendFailure(t *testing.T) {
	consumer := &fakeRequestConsumer{items: []bus.WorkItem{{RequestID: "r2"}}}
	pub := &recordingPublisher{}
	st := fakeStreamer{err: errors.New("backend exploded")}
	cb := breaker.New(breaker.Config{ConsecutiveFailures: 5, OpenTimeout: time.Second})

	w := New(consumer, pub, st, cb, nil)
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, pub.frames, 1)
	assert.True(t, pub.frames[0].Done)
	assert.Equal(t, "backend exploded", pub.frames[0].Error)
}

func TestWorkerPublishesBreakerOpenErrorVerbatim(t *testing.T) {
	consumer := &fakeRequestConsumer{items: []bus.WorkItem{{RequestID: "r3"}}}
	pub := &recordingPublisher{}
	st := fakeStreamer{err: errors.New("boom")}
	cb := breaker.New(breaker.Config{ConsecutiveFailures: 1, OpenTimeout: time.Minute})

	w := New(consumer, pub, st, cb, nil)
	require.NoError(t, w.Run(context.Background()))
	require.Len(t, pub.frames, 1)

	// Second request arrives once the breaker is already open.
	consumer2 := &fakeRequestConsumer{items: []bus.WorkItem{{RequestID: "r4"}}}
	w2 := New(consumer2, pub, st, cb, nil)
	require.NoError(t, w2.Run(context.Background()))

	require.Len(t, pub.frames, 2)
	assert.Equal(t, "vLLM service is unavailable.", pub.frames[1].Error)
}
