package cache

import (
	"testing"
)

func TestFingerprintIsStableForSameInputs(t *testing.T) {
	a := Fingerprint("hello", "gemma-3b-it", 128, 0.8)
	b := Fingerprint("hello", "gemma-3b-it", 128, 0.8)
	if a != b {
		t.Fatalf("expected identical fingerprints, got %q vs %q", a, b)
	}
}

func TestFingerprintDiffersOnAnyField(t *testing.T) {
	base := Fingerprint("hello", "gemma-3b-it", 128, 0.8)

	cases := []string{
		Fingerprint("world", "gemma-3b-it", 128, 0.8),
		Fingerprint("hello", "other-model", 128, 0.8),
		Fingerprint("hello", "gemma-3b-it", 64, 0.8),
		Fingerprint("hello", "gemma-3b-it", 128, 0.5),
	}

	for _, c := range cases {
		if c == base {
			t.Fatalf("expected fingerprint to differ from base, got identical key %q", c)
		}
	}
}

func TestFingerprintIsBareHexDigest(t *testing.T) {
	key := Fingerprint("hello", "gemma-3b-it", 128, 0.8)
	if len(key) != 64 {
		t.Fatalf("expected a 64-character SHA-256 hex digest, got %d chars: %q", len(key), key)
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("expected lowercase hex digest, got %q", key)
		}
	}
}
