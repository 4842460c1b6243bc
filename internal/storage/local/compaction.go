package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Compactor rewrites the payload log, dropping entries no queue refers to.
//
// RemoveExact and Replace only delete index keys, and re-inserting a removed
// payload appends it again, so without compaction the log grows with every
// registration. Entries appended by a transaction that later failed are
// dropped the same way.
//
// Compaction holds the Storage write lock for the whole run; readers and
// writers wait.
type Compactor struct {
	s        *Storage
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor that will run RunOnce every interval.
func NewCompactor(s *Storage, interval time.Duration) *Compactor {
	return &Compactor{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				res, err := c.RunOnce(ctx)
				cancel()
				if err != nil {
					c.s.logger.Warn("compaction failed", "err", err)
				} else if res.Dropped > 0 {
					c.s.logger.Info("compaction finished",
						"kept", res.Kept,
						"dropped", res.Dropped,
						"bytes_before", res.BytesBefore,
						"bytes_after", res.BytesAfter,
					)
				}
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// CompactionResult reports one RunOnce.
type CompactionResult struct {
	Kept        int
	Dropped     int
	BytesBefore int64
	BytesAfter  int64
}

// RunOnce performs a single compaction cycle:
//  1. Take the Storage write lock.
//  2. Collect every offset the index refers to.
//  3. Copy those entries from the live log to the next generation's file.
//  4. In one bbolt transaction, point the index at the new offsets and
//     record the new generation.
//  5. Swap the open log and delete the old file.
//
// A crash before step 4 commits leaves the old generation live; one after
// leaves the new one. Open deletes whichever file lost. Nothing is written
// when every entry is still referenced.
func (c *Compactor) RunOnce(ctx context.Context) (CompactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var res CompactionResult
	if s.closed {
		return res, bbolt.ErrDatabaseNotOpen
	}
	res.BytesBefore = s.log.Size()

	// ── 1. Collect referenced offsets ────────────────────────────────────────
	liveOffsets := make(map[int64]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachZSet(tx, func(_ []byte, z *zset) error {
			return z.members.ForEach(func(_, v []byte) error {
				r, err := decodeRef(v)
				if err != nil {
					return err
				}
				liveOffsets[r.offset] = struct{}{}
				return nil
			})
		})
	})
	if err != nil {
		return res, fmt.Errorf("compactor: scan index: %w", err)
	}

	// ── 2. Count what would go ───────────────────────────────────────────────
	if err := s.log.ReadAll(func(offset int64, _ []byte) error {
		if _, ok := liveOffsets[offset]; ok {
			res.Kept++
		} else {
			res.Dropped++
		}
		return ctx.Err()
	}); err != nil {
		return res, fmt.Errorf("compactor: scan log: %w", err)
	}
	if res.Dropped == 0 {
		res.BytesAfter = res.BytesBefore
		return res, nil
	}

	// ── 3. Write live entries to the next generation ─────────────────────────
	nextGen := s.logGen + 1
	nextPath := logPath(s.dir, nextGen)
	next, err := openPayloadLog(nextPath)
	if err != nil {
		return res, fmt.Errorf("compactor: open next log: %w", err)
	}
	abort := func(err error) (CompactionResult, error) {
		_ = next.Close()
		_ = os.Remove(nextPath)
		return res, err
	}

	newOffsets := make(map[int64]int64, res.Kept)
	if err := s.log.ReadAll(func(offset int64, payload []byte) error {
		if _, ok := liveOffsets[offset]; !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		newOff, err := next.Append(payload)
		if err != nil {
			return err
		}
		newOffsets[offset] = newOff
		return nil
	}); err != nil {
		return abort(fmt.Errorf("compactor: write live entry: %w", err))
	}
	if err := next.Sync(); err != nil {
		return abort(fmt.Errorf("compactor: sync next log: %w", err))
	}

	// ── 4. Repoint the index and switch generations ──────────────────────────
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := forEachZSet(tx, func(_ []byte, z *zset) error {
			type update struct {
				digest []byte
				r      ref
			}
			var updates []update
			if err := z.members.ForEach(func(k, v []byte) error {
				r, err := decodeRef(v)
				if err != nil {
					return err
				}
				newOff, ok := newOffsets[r.offset]
				if !ok {
					return fmt.Errorf("offset %d missing from compacted log", r.offset)
				}
				d := make([]byte, len(k))
				copy(d, k)
				updates = append(updates, update{digest: d, r: ref{score: r.score, offset: newOff}})
				return nil
			}); err != nil {
				return err
			}
			for _, u := range updates {
				if err := z.put(u.digest, u.r); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLogGen, encodeOffset(int64(nextGen)))
	})
	if err != nil {
		return abort(fmt.Errorf("compactor: update index: %w", err))
	}

	// ── 5. Swap the open log ─────────────────────────────────────────────────
	old := s.log
	s.log, s.logGen = next, nextGen
	_ = old.Close()
	_ = os.Remove(old.Path())

	res.BytesAfter = next.Size()
	return res, nil
}
