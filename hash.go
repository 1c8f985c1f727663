package storycache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
// It keys cached request snapshots and fingerprints precache manifests.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of a string.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// HashList computes an order-sensitive digest of a list of strings.
// Entries are length-prefixed so ["ab","c"] and ["a","bc"] differ.
func HashList(items []string) Hash {
	h := blake3.New()
	for _, item := range items {
		_, _ = fmt.Fprintf(h, "%d:%s\n", len(item), item)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// RequestKey returns the cache key for a method and normalized URL.
// Method is upper-cased; the URL is expected to be normalized by the caller.
func RequestKey(method, normalizedURL string) Hash {
	return HashString(strings.ToUpper(method) + " " + normalizedURL)
}
