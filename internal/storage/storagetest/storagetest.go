// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/remindq/internal/storage"
)

// Factory returns a fresh, empty store. The store is closed by Run.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertAndRange", testInsertAndRange},
		{"RangeBounds", testRangeBounds},
		{"OrderedByScore", testOrderedByScore},
		{"IdenticalPayloadIsIdempotent", testIdenticalPayload},
		{"SamePayloadNewScoreMoves", testSamePayloadNewScore},
		{"DifferentPayloadsAreAdditive", testDifferentPayloads},
		{"RemoveExact", testRemoveExact},
		{"RemoveAbsentIsNoop", testRemoveAbsent},
		{"QueuesAreIsolated", testQueueIsolation},
		{"EmptyQueue", testEmptyQueue},
		{"ConcurrentInsertRemove", testConcurrent},
		{"Replace", testReplace},
		{"LargePayload", testLargePayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func mustInsert(t *testing.T, s storage.Store, queue, payload string, score int64) {
	t.Helper()
	if err := s.Insert(context.Background(), queue, []byte(payload), score); err != nil {
		t.Fatalf("Insert(%s, %s, %d): %v", queue, payload, score, err)
	}
}

func mustRange(t *testing.T, s storage.Store, queue string, min, max int64) []string {
	t.Helper()
	got, err := s.RangeByScore(context.Background(), queue, min, max)
	if err != nil {
		t.Fatalf("RangeByScore(%s, %d, %d): %v", queue, min, max, err)
	}
	out := make([]string, len(got))
	for i, p := range got {
		out[i] = string(p)
	}
	return out
}

func all(t *testing.T, s storage.Store, queue string) []string {
	t.Helper()
	return mustRange(t, s, queue, storage.MinScore, storage.MaxScore)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testInsertAndRange(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", `{"a":1}`, 100)
	if got := all(t, s, "q"); !equal(got, []string{`{"a":1}`}) {
		t.Fatalf("got %v", got)
	}
}

func testRangeBounds(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", "a", 10)
	mustInsert(t, s, "q", "b", 20)
	mustInsert(t, s, "q", "c", 30)
	mustInsert(t, s, "q", "neg", -5)

	cases := []struct {
		min, max int64
		want     []string
	}{
		{10, 30, []string{"a", "b", "c"}},
		{11, 29, []string{"b"}},
		{20, 20, []string{"b"}},
		{storage.MinScore, 0, []string{"neg"}},
		{31, storage.MaxScore, nil},
		{storage.MinScore, storage.MaxScore, []string{"neg", "a", "b", "c"}},
	}
	for _, tc := range cases {
		got := mustRange(t, s, "q", tc.min, tc.max)
		if !equal(got, tc.want) {
			t.Errorf("range [%d,%d]: want %v, got %v", tc.min, tc.max, tc.want, got)
		}
	}
}

func testOrderedByScore(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", "late", 1_760_954_400_000)
	mustInsert(t, s, "q", "early", 1_760_349_600_000)
	mustInsert(t, s, "q", "middle", 1_760_695_200_000)
	mustInsert(t, s, "q", "tie-b", 5)
	mustInsert(t, s, "q", "tie-a", 5)

	want := []string{"tie-a", "tie-b", "early", "middle", "late"}
	if got := all(t, s, "q"); !equal(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func testIdenticalPayload(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", "same", 1)
	mustInsert(t, s, "q", "same", 1)
	if got := all(t, s, "q"); len(got) != 1 {
		t.Fatalf("identical payload stored twice: %v", got)
	}
}

func testSamePayloadNewScore(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", "x", 1)
	mustInsert(t, s, "q", "y", 5)
	mustInsert(t, s, "q", "x", 10)
	if got := all(t, s, "q"); !equal(got, []string{"y", "x"}) {
		t.Fatalf("want [y x], got %v", got)
	}
	if got := mustRange(t, s, "q", 0, 2); len(got) != 0 {
		t.Fatalf("old score still visible: %v", got)
	}
}

func testDifferentPayloads(t *testing.T, s storage.Store) {
	mustInsert(t, s, "q", `{"fireAt":1}`, 1)
	mustInsert(t, s, "q", `{"fireAt":2}`, 2)
	if got := all(t, s, "q"); len(got) != 2 {
		t.Fatalf("want 2 members, got %v", got)
	}
}

func testRemoveExact(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustInsert(t, s, "q", `{"id":1}`, 1)
	mustInsert(t, s, "q", `{"id":2}`, 2)

	// Not byte-identical: must not remove anything.
	if err := s.RemoveExact(ctx, "q", []byte(`{"id": 1}`)); err != nil {
		t.Fatalf("RemoveExact: %v", err)
	}
	if got := all(t, s, "q"); len(got) != 2 {
		t.Fatalf("near-identical payload removed an entry: %v", got)
	}

	if err := s.RemoveExact(ctx, "q", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("RemoveExact: %v", err)
	}
	if got := all(t, s, "q"); !equal(got, []string{`{"id":2}`}) {
		t.Fatalf("want only id 2, got %v", got)
	}
}

func testRemoveAbsent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.RemoveExact(ctx, "never-created", []byte("ghost")); err != nil {
		t.Fatalf("remove from missing queue: %v", err)
	}
	mustInsert(t, s, "q", "a", 1)
	if err := s.RemoveExact(ctx, "q", []byte("a")); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := s.RemoveExact(ctx, "q", []byte("a")); err != nil {
		t.Fatalf("second remove of same payload: %v", err)
	}
}

func testQueueIsolation(t *testing.T, s storage.Store) {
	mustInsert(t, s, "deadline_reminders", "r", 1)
	mustInsert(t, s, "added", "a", 1)
	if got := all(t, s, "deadline_reminders"); !equal(got, []string{"r"}) {
		t.Errorf("deadline_reminders: %v", got)
	}
	if got := all(t, s, "added"); !equal(got, []string{"a"}) {
		t.Errorf("added: %v", got)
	}
}

func testEmptyQueue(t *testing.T, s storage.Store) {
	if got := all(t, s, "nothing-here"); len(got) != 0 {
		t.Fatalf("want empty, got %v", got)
	}
}

func testConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := []byte(fmt.Sprintf("p-%03d", i))
			if err := s.Insert(ctx, "q", p, int64(i)); err != nil {
				errs <- err
				return
			}
			if i%2 == 0 {
				if err := s.RemoveExact(ctx, "q", p); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent op: %v", err)
	}
	if got := all(t, s, "q"); len(got) != n/2 {
		t.Fatalf("want %d members, got %d", n/2, len(got))
	}
}

func testReplace(t *testing.T, s storage.Store) {
	r, ok := s.(storage.Replacer)
	if !ok {
		t.Skip("store does not implement storage.Replacer")
	}
	ctx := context.Background()
	mine1 := `{"kind":"deadline_reminder","resourceId":"t1","userId":"u1","offsetDays":1}`
	mine3 := `{"kind":"deadline_reminder","resourceId":"t1","userId":"u1","offsetDays":3}`
	otherUser := `{"kind":"deadline_reminder","resourceId":"t1","userId":"u2","offsetDays":1}`
	otherTask := `{"kind":"deadline_reminder","resourceId":"t2","userId":"u1","offsetDays":1}`
	garbage := `not json at all`
	mustInsert(t, s, "q", mine1, 10)
	mustInsert(t, s, "q", mine3, 30)
	mustInsert(t, s, "q", otherUser, 10)
	mustInsert(t, s, "q", otherTask, 10)
	mustInsert(t, s, "q", garbage, 1)

	fresh := `{"kind":"deadline_reminder","resourceId":"t1","userId":"u1","offsetDays":7}`
	removed, err := r.Replace(ctx, "q",
		storage.Selector{Kind: "deadline_reminder", ResourceID: "t1", UserID: "u1"},
		[]storage.Member{{Payload: []byte(fresh), Score: 70}},
	)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed: want 2, got %d", removed)
	}
	want := []string{garbage, otherUser, otherTask, fresh}
	if got := all(t, s, "q"); !equal(got, want) {
		t.Fatalf("after replace:\nwant %v\n got %v", want, got)
	}

	removed, err = r.Replace(ctx, "q",
		storage.Selector{Kind: "deadline_reminder", ResourceID: "t1", UserID: "u1"}, nil)
	if err != nil {
		t.Fatalf("Replace (cancel): %v", err)
	}
	if removed != 1 {
		t.Errorf("cancel removed: want 1, got %d", removed)
	}
	if got := all(t, s, "q"); len(got) != 3 {
		t.Fatalf("after cancel: %v", got)
	}
}

func testLargePayload(t *testing.T, s storage.Store) {
	ctx := context.Background()
	// Larger than bbolt's 32 KiB key limit.
	big := `{"kind":"added","resourceId":"t1","description":"` + strings.Repeat("x", 40_000) + `"}`
	bigger := big + " "
	mustInsert(t, s, "q", big, 10)
	mustInsert(t, s, "q", bigger, 20)
	mustInsert(t, s, "q", big, 10)

	got := all(t, s, "q")
	if len(got) != 2 || got[0] != big || got[1] != bigger {
		t.Fatalf("want both large payloads back intact, got %d entries", len(got))
	}

	if err := s.RemoveExact(ctx, "q", []byte(big)); err != nil {
		t.Fatalf("RemoveExact: %v", err)
	}
	if got := all(t, s, "q"); len(got) != 1 || got[0] != bigger {
		t.Fatalf("after remove: want only the second payload, got %d entries", len(got))
	}
}

// ClosedStoreFails checks that operations on a closed store report
// storage.ErrUnavailable.
func ClosedStoreFails(t *testing.T, s storage.Store) {
	t.Helper()
	_ = s.Close()
	ctx := context.Background()
	if err := s.Insert(ctx, "q", []byte("a"), 1); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Insert after close: want ErrUnavailable, got %v", err)
	}
	if _, err := s.RangeByScore(ctx, "q", storage.MinScore, storage.MaxScore); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("RangeByScore after close: want ErrUnavailable, got %v", err)
	}
	if err := s.RemoveExact(ctx, "q", []byte("a")); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("RemoveExact after close: want ErrUnavailable, got %v", err)
	}
}
