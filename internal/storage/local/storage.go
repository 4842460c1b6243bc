// Package local is a single-node storage.Store kept in the data directory.
//
// It gives remindq a durable sorted set without running Redis. Payload bytes
// go to an append-only log (payloads-NNNNNN.log); a bbolt file (queues.db)
// indexes them by digest and score. Because bbolt takes an exclusive file
// lock, only one process can open a given directory; use the redis backend
// when several instances must share the queues.
package local

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/remindq/internal/storage"
)

const dbFileName = "queues.db"

// Config holds options that tune local.Storage behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
	// NoSync skips fsync after each commit (dev/test only).
	NoSync bool
	// CompactionInterval is how often removed payloads are dropped from the
	// log. Zero disables the background compactor; RunOnce still works.
	CompactionInterval time.Duration
	// Logger receives compaction results. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{OpenTimeout: time.Second, CompactionInterval: time.Hour}
}

// Storage is the log+bbolt implementation of storage.Store and
// storage.Replacer. All methods are safe for concurrent use.
type Storage struct {
	db     *bbolt.DB
	dir    string
	noSync bool
	logger *slog.Logger

	// mu is held shared by readers and exclusively by writers and the
	// Compactor, so log offsets never move under a reader.
	mu      sync.RWMutex
	log     *payloadLog
	logGen  uint64
	closed  bool
	compact *Compactor

	closeOnce sync.Once
}

var (
	_ storage.Store    = (*Storage)(nil)
	_ storage.Replacer = (*Storage)(nil)
)

// errDigestCollision is returned if two different payloads share a digest.
var errDigestCollision = errors.New("local: payload digest collision")

// Open creates (or reopens) the store in dir.
// The variadic signature keeps the common call Open(dir) short.
func Open(dir string, cfgs ...Config) (*Storage, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.OpenTimeout > 0 {
			cfg.OpenTimeout = c.OpenTimeout
		}
		cfg.NoSync = c.NoSync
		cfg.CompactionInterval = c.CompactionInterval
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("local storage: open %s: %w", path, err)
	}
	db.NoSync = cfg.NoSync

	gen, err := loadLogGen(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local storage: read meta: %w", err)
	}
	log, err := openPayloadLog(logPath(dir, gen))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local storage: %w", err)
	}
	removeStaleLogs(dir, gen)

	s := &Storage{
		db:     db,
		dir:    dir,
		noSync: cfg.NoSync,
		logger: cfg.Logger.With("component", "local-storage"),
		log:    log,
		logGen: gen,
	}
	if cfg.CompactionInterval > 0 {
		s.compact = NewCompactor(s, cfg.CompactionInterval)
		s.compact.Start()
	}
	return s, nil
}

// Dir returns the directory holding queues.db and the payload log.
func (s *Storage) Dir() string { return s.dir }

// LogSize returns the current size of the payload log in bytes.
func (s *Storage) LogSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Size()
}

func logPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("payloads-%06d.log", gen))
}

// loadLogGen returns the generation of the live payload log, recording
// generation 1 on a fresh file.
func loadLogGen(db *bbolt.DB) (uint64, error) {
	var gen uint64
	err := db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyLogGen); v != nil {
			gen = uint64(decodeOffset(v))
			return nil
		}
		gen = 1
		return meta.Put(keyLogGen, encodeOffset(int64(gen)))
	})
	return gen, err
}

// removeStaleLogs deletes payload logs of other generations: the old file of
// a finished compaction, or the new file of one that never committed.
func removeStaleLogs(dir string, live uint64) {
	matches, _ := filepath.Glob(filepath.Join(dir, "payloads-*.log"))
	for _, m := range matches {
		if m != logPath(dir, live) {
			_ = os.Remove(m)
		}
	}
}

func unavailable(op, queue string, err error) error {
	return fmt.Errorf("%w: local %s %s: %v", storage.ErrUnavailable, op, queue, err)
}

// begin checks ctx and the closed flag. The caller holds s.mu.
func (s *Storage) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return bbolt.ErrDatabaseNotOpen
	}
	return nil
}

// verify confirms that the log entry behind r really holds payload.
func (s *Storage) verify(r ref, payload []byte) error {
	stored, err := s.log.ReadAt(r.offset)
	if err != nil {
		return err
	}
	if !bytes.Equal(stored, payload) {
		return errDigestCollision
	}
	return nil
}

// place records payload at score in z, appending it to the log unless the
// queue already holds it. Appends are synced before the caller commits.
func (s *Storage) place(z *zset, payload []byte, score int64) (appended bool, err error) {
	digest := digestOf(payload)
	old, ok, err := z.get(digest)
	if err != nil {
		return false, err
	}
	if ok {
		if err := s.verify(old, payload); err != nil {
			return false, err
		}
		if old.score == score {
			return false, nil
		}
		return false, z.put(digest, ref{score: score, offset: old.offset})
	}
	offset, err := s.log.Append(payload)
	if err != nil {
		return false, err
	}
	return true, z.put(digest, ref{score: score, offset: offset})
}

func (s *Storage) syncLog() error {
	if s.noSync {
		return nil
	}
	return s.log.Sync()
}

func (s *Storage) Insert(ctx context.Context, queue string, payload []byte, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return unavailable("insert", queue, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		z, err := openZSet(tx, queue, true)
		if err != nil {
			return err
		}
		appended, err := s.place(z, payload, score)
		if err != nil || !appended {
			return err
		}
		return s.syncLog()
	})
	if err != nil {
		return unavailable("insert", queue, err)
	}
	return nil
}

func (s *Storage) RangeByScore(ctx context.Context, queue string, min, max int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(ctx); err != nil {
		return nil, unavailable("range", queue, err)
	}
	var members []member
	err := s.db.View(func(tx *bbolt.Tx) error {
		z, err := openZSet(tx, queue, false)
		if err != nil || z == nil {
			return err
		}
		members = z.rangeByScore(min, max)
		return nil
	})
	if err != nil {
		return nil, unavailable("range", queue, err)
	}

	type scored struct {
		payload []byte
		score   int64
	}
	rows := make([]scored, len(members))
	for i, m := range members {
		p, err := s.log.ReadAt(m.ref.offset)
		if err != nil {
			return nil, unavailable("range", queue, err)
		}
		rows[i] = scored{payload: p, score: m.ref.score}
	}
	// Equal scores order by payload bytes, as in Redis.
	slices.SortStableFunc(rows, func(a, b scored) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		return bytes.Compare(a.payload, b.payload)
	})

	var out [][]byte
	for _, r := range rows {
		out = append(out, r.payload)
	}
	return out, nil
}

func (s *Storage) RemoveExact(ctx context.Context, queue string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return unavailable("remove", queue, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		z, err := openZSet(tx, queue, false)
		if err != nil || z == nil {
			return err
		}
		digest := digestOf(payload)
		old, ok, err := z.get(digest)
		if err != nil || !ok {
			return err
		}
		if err := s.verify(old, payload); err != nil {
			return err
		}
		_, err = z.remove(digest)
		return err
	})
	if err != nil {
		return unavailable("remove", queue, err)
	}
	return nil
}

// Replace removes every payload matched by sel and inserts members in a
// single write transaction.
func (s *Storage) Replace(ctx context.Context, queue string, sel storage.Selector, members []storage.Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return 0, unavailable("replace", queue, err)
	}
	var removed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		removed = 0
		z, err := openZSet(tx, queue, true)
		if err != nil {
			return err
		}
		for _, m := range z.rangeByScore(storage.MinScore, storage.MaxScore) {
			p, err := s.log.ReadAt(m.ref.offset)
			if err != nil {
				return err
			}
			if !sel.Matches(p) {
				continue
			}
			ok, err := z.remove(m.digest)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		var appended bool
		for _, m := range members {
			a, err := s.place(z, m.Payload, m.Score)
			if err != nil {
				return err
			}
			appended = appended || a
		}
		if appended {
			return s.syncLog()
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("replace", queue, err)
	}
	return removed, nil
}

// Close stops the compactor and closes the index and the log. Safe to call
// multiple times.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.compact != nil {
			s.compact.Stop()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = errors.Join(s.db.Close(), s.log.Close())
	})
	return err
}
