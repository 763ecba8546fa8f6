package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBearer(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "", false},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic abc123", "", false},
	}

	for _, c := range cases {
		token, ok := parseBearer(c.header)
		assert.Equal(t, c.ok, ok, c.header)
		assert.Equal(t, c.token, token, c.header)
	}
}

func TestPositiveCacheExpiresAfterTTL(t *testing.T) {
	c := &Checker{cache: make(map[string]time.Time)}

	c.cacheValid("tok")
	assert.True(t, c.cachedValid("tok"))

	c.mu.Lock()
	c.cache["tok"] = time.Now().Add(-time.Second)
	c.mu.Unlock()

	assert.False(t, c.cachedValid("tok"))
}

func TestCachedValidMissingToken(t *testing.T) {
	c := &Checker{cache: make(map[string]time.Time)}
	assert.False(t, c.cachedValid("never-seen"))
}
