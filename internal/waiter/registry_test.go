package waiter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDeliverUnregister(t *testing.T) {
	r := NewRegistry()

	ch, err := r.Register("req-1")
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	ok := r.Deliver(Frame{RequestID: "req-1", Data: []byte(`{"text":"hi"}`)})
	assert.True(t, ok)

	got := <-ch
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, []byte(`{"text":"hi"}`), got.Data)
	assert.False(t, got.Done)

	r.Unregister("req-1")
	assert.Equal(t, 0, r.Len())

	// Unregistering twice must not panic.
	r.Unregister("req-1")
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("dup")
	require.NoError(t, err)

	_, err = r.Register("dup")
	assert.Error(t, err)
}

func TestDeliverUnknownRequestIsDropped(t *testing.T) {
	r := NewRegistry()

	ok := r.Deliver(Frame{RequestID: "ghost", Data: []byte("x")})
	assert.False(t, ok)
}

func TestDeliverDropsWhenChannelFull(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("full")
	require.NoError(t, err)

	for i := 0; i < FrameChanCapacity; i++ {
		ok := r.Deliver(Frame{RequestID: "full"})
		require.True(t, ok)
	}

	// Channel is now at capacity; the next delivery must not block and
	// must report false.
	ok := r.Deliver(Frame{RequestID: "full"})
	assert.False(t, ok)
}

func TestConcurrentRegisterDeliverUnregister(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := requestIDFor(n)
			ch, err := r.Register(id)
			if err != nil {
				return
			}
			r.Deliver(Frame{RequestID: id, Done: true})
			<-ch
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func requestIDFor(n int) string {
	return "req-" + string(rune('a'+n%26)) + string(rune('0'+n/26))
}
