package storage

import (
	"encoding/binary"
	"encoding/json"
)

// Selector matches stored payloads by the identity fields of a reminder.
// Payloads that are not JSON objects never match.
type Selector struct {
	Kind       string
	ResourceID string
	UserID     string
}

type selectorFields struct {
	Kind       string `json:"kind"`
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
}

// Matches reports whether payload carries the selector's kind, resourceId and
// userId.
func (s Selector) Matches(payload []byte) bool {
	var f selectorFields
	if err := json.Unmarshal(payload, &f); err != nil {
		return false
	}
	return f.Kind == s.Kind && f.ResourceID == s.ResourceID && f.UserID == s.UserID
}

// EncodeScore maps a score to 8 bytes whose byte-wise order matches numeric
// order, for backends that sort raw keys.
func EncodeScore(score int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(score)^(1<<63))
	return b[:]
}

// DecodeScore reverses EncodeScore. b must be at least 8 bytes long.
func DecodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
}
