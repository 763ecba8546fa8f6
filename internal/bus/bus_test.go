package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionHashIsStable(t *testing.T) {
	a := partitionHash("req-123", 8)
	b := partitionHash("req-123", 8)
	assert.Equal(t, a, b)
}

func TestPartitionHashSpreadsDifferentKeys(t *testing.T) {
	buckets := make(map[int]int)
	for i := 0; i < 1000; i++ {
		id := "req-" + string(rune('a'+i%26)) + string(rune('0'+i/26%10))
		buckets[partitionHash(id, 16)]++
	}
	// With 260 distinct keys (1000 draws) over 16 buckets we expect more
	// than one bucket used.
	assert.Greater(t, len(buckets), 1)
}

func TestDispatcherGroupIDIsUniquePerCall(t *testing.T) {
	a := NewDispatcherGroupID("inferno-consumer-group")
	b := NewDispatcherGroupID("inferno-consumer-group")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "inferno-consumer-group-dispatcher-")
}
