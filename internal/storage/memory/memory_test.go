package memory_test

import (
	"testing"

	"github.com/snehjoshi/remindq/internal/storage"
	"github.com/snehjoshi/remindq/internal/storage/memory"
	"github.com/snehjoshi/remindq/internal/storage/storagetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return memory.New() })
}

func TestMemoryStore_Closed(t *testing.T) {
	storagetest.ClosedStoreFails(t, memory.New())
}

func TestMemoryStore_Helpers(t *testing.T) {
	s := memory.New()
	if err := s.Insert(t.Context(), "q", []byte("a"), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if s.Len("q") != 1 || s.Len("other") != 0 {
		t.Errorf("Len: got q=%d other=%d", s.Len("q"), s.Len("other"))
	}
	if !s.Contains("q", []byte("a")) || s.Contains("q", []byte("b")) {
		t.Error("Contains reported the wrong membership")
	}
}
