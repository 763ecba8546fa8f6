package bus

import "github.com/google/uuid"

// NewDispatcherGroupID returns a consumer group id unique to one replica,
// e.g. "inferno-consumer-group-dispatcher-3f9a1c2e-7b4d-4e8a-9c1f-5d2e6a8b0c3d".
// Using a random suffix
// per process means every replica gets its own copy of every response
// frame instead of Kafka load-balancing the response topic across
// replicas, which correlation via the in-process waiter registry requires.
func NewDispatcherGroupID(baseGroupID string) string {
	return baseGroupID + "-dispatcher-" + uuid.NewString()
}
