package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// keyPrefix namespaces every fingerprinted entry ExactCache stores in Redis.
// It lives here, next to the fingerprint definition, rather than being
// baked into Fingerprint's output: Fingerprint derives a backend-agnostic
// content digest, and only the Redis-backed cache needs a storage
// namespace on top of it (see exact.go's namespaced helper). MemoryCache
// stores the bare digest since each process already has its own isolated
// map.
const keyPrefix = "cache:"

// fingerprintInput is the exact tuple a cached response is keyed on. Field
// order does not matter for correctness (it is JSON-marshaled before
// hashing) but is kept stable so the same request always serializes
// identically.
type fingerprintInput struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Fingerprint derives the cache key for a completion request from its
// prompt, model, max_tokens, and temperature. Two requests with identical
// values for all four fields always produce the same key, regardless of
// request id or arrival order. The returned digest carries no storage
// namespace — callers pass it to whichever Cache implementation they use,
// and ExactCache applies its own Redis-side prefix on top of it.
func Fingerprint(prompt, model string, maxTokens int, temperature float64) string {
	input := fingerprintInput{
		Prompt:      prompt,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	// Marshaling to JSON first, rather than hashing a manually formatted
	// string, avoids ambiguity between e.g. a prompt containing ":" and a
	// field separator.
	body, _ := json.Marshal(input)

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
