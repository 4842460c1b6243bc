package local

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/remindq/internal/storage"
)

// Each queue is a top-level bucket holding two sub-buckets:
//
//	members: digest             → score (8 bytes, EncodeScore) ‖ offset (8 bytes)
//	scores:  score ‖ digest     → offset (8 bytes)
//
// digest is the SHA-256 of the payload and offset locates the payload in the
// payload log. Keys are at most 40 bytes whatever the payload size, which
// keeps them far below bbolt's key limit. members answers "is this exact
// payload stored, and under which score" for ZADD/ZREM; scores keeps the set
// ordered so a cursor Seek serves ZRANGEBYSCORE. Both are always written in
// the same transaction.
var (
	bucketMembers = []byte("members")
	bucketScores  = []byte("scores")

	// bucketMeta sits beside the queue buckets. The NUL prefix keeps it out
	// of the way of any configured queue name.
	bucketMeta = []byte("\x00meta")
	keyLogGen  = []byte("log_gen")
)

const digestSize = sha256.Size

// ref is where one member lives.
type ref struct {
	score  int64
	offset int64
}

func digestOf(payload []byte) []byte {
	d := sha256.Sum256(payload)
	return d[:]
}

func encodeOffset(offset int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(offset))
}

func decodeOffset(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func encodeRef(r ref) []byte {
	b := make([]byte, 0, 16)
	b = append(b, storage.EncodeScore(r.score)...)
	return binary.BigEndian.AppendUint64(b, uint64(r.offset))
}

func decodeRef(b []byte) (ref, error) {
	if len(b) != 16 {
		return ref{}, fmt.Errorf("local: member value is %d bytes, want 16", len(b))
	}
	return ref{score: storage.DecodeScore(b), offset: decodeOffset(b[8:])}, nil
}

func scoreKey(score int64, digest []byte) []byte {
	k := make([]byte, 0, 8+digestSize)
	k = append(k, storage.EncodeScore(score)...)
	return append(k, digest...)
}

// zset is a view of one queue's buckets inside a transaction.
type zset struct {
	members *bbolt.Bucket
	scores  *bbolt.Bucket
}

// openZSet returns the queue's buckets, creating them when create is true.
// It returns nil for a missing queue in read-only use.
func openZSet(tx *bbolt.Tx, queue string, create bool) (*zset, error) {
	name := []byte(queue)
	if !create {
		q := tx.Bucket(name)
		if q == nil {
			return nil, nil
		}
		return &zset{members: q.Bucket(bucketMembers), scores: q.Bucket(bucketScores)}, nil
	}
	q, err := tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, err
	}
	m, err := q.CreateBucketIfNotExists(bucketMembers)
	if err != nil {
		return nil, err
	}
	s, err := q.CreateBucketIfNotExists(bucketScores)
	if err != nil {
		return nil, err
	}
	return &zset{members: m, scores: s}, nil
}

// forEachZSet calls fn for every queue in the file.
func forEachZSet(tx *bbolt.Tx, fn func(queue []byte, z *zset) error) error {
	return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
		if bytes.Equal(name, bucketMeta) {
			return nil
		}
		return fn(name, &zset{members: b.Bucket(bucketMembers), scores: b.Bucket(bucketScores)})
	})
}

func (z *zset) get(digest []byte) (ref, bool, error) {
	v := z.members.Get(digest)
	if v == nil {
		return ref{}, false, nil
	}
	r, err := decodeRef(v)
	return r, err == nil, err
}

// put stores digest under r, dropping its old score key if the score moved.
func (z *zset) put(digest []byte, r ref) error {
	old, ok, err := z.get(digest)
	if err != nil {
		return err
	}
	if ok && old.score != r.score {
		if err := z.scores.Delete(scoreKey(old.score, digest)); err != nil {
			return err
		}
	}
	if err := z.members.Put(digest, encodeRef(r)); err != nil {
		return err
	}
	return z.scores.Put(scoreKey(r.score, digest), encodeOffset(r.offset))
}

func (z *zset) remove(digest []byte) (bool, error) {
	old, ok, err := z.get(digest)
	if err != nil || !ok {
		return false, err
	}
	if err := z.scores.Delete(scoreKey(old.score, digest)); err != nil {
		return false, err
	}
	return true, z.members.Delete(digest)
}

// member is one entry of a range scan.
type member struct {
	digest []byte
	ref    ref
}

// rangeByScore copies out every member with min <= score <= max in score
// order. Slices returned by bbolt are only valid inside the transaction.
func (z *zset) rangeByScore(min, max int64) []member {
	var out []member
	upper := storage.EncodeScore(max)
	c := z.scores.Cursor()
	for k, v := c.Seek(storage.EncodeScore(min)); k != nil; k, v = c.Next() {
		if bytes.Compare(k[:8], upper) > 0 {
			break
		}
		d := make([]byte, len(k)-8)
		copy(d, k[8:])
		out = append(out, member{digest: d, ref: ref{score: storage.DecodeScore(k), offset: decodeOffset(v)}})
	}
	return out
}
