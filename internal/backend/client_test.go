package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDecodesChunksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"text_completion\",\"choices\":[{\"text\":\"hel\",\"index\":0}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"text_completion\",\"choices\":[{\"text\":\"lo\",\"index\":0,\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)

	var got []string
	err := c.Stream(context.Background(), CompletionRequest{Model: "m", Prompt: "p", MaxTokens: 8}, func(ch Chunk) error {
		require.Len(t, ch.Choices, 1)
		got = append(got, ch.Choices[0].Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"text_completion\",\"choices\":[{\"text\":\"ok\",\"index\":0}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)

	var got []string
	err := c.Stream(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, func(ch Chunk) error {
		got = append(got, ch.Choices[0].Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, got)
}

func TestStreamReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)

	err := c.Stream(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, func(ch Chunk) error {
		t.Fatal("onChunk must not be called")
		return nil
	})
	assert.Error(t, err)
}
