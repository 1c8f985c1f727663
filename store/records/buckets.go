package records

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketMeta      = []byte("meta")               // schema bookkeeping
	bucketStories   = []byte("stories")            // id -> StoryRecord JSON
	bucketByCreated = []byte("stories_by_created") // timestamp+id -> id
)

var keySchemaVersion = []byte("schema_version")

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// so the created-at index sorts chronologically.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// makeCreatedKey creates a key for the stories_by_created index.
// Format: [8-byte timestamp][id]
func makeCreatedKey(createdAt time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], encodeTimestamp(createdAt))
	copy(key[8:], id)
	return key
}

func encodeVersion(v int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v)) //nolint:gosec // schema versions are small
	return buf
}

func decodeVersion(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}
