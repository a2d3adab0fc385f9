package retrieval

import (
	"context"
	"testing"
)

func TestChromemStore_SearchFiltersBySourceFile(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}

	if err := s.Insert(ctx, []Record{
		{ID: "a", SourceID: "d1", SourceFile: "c1.txt", TextChunk: "likes rockets", Embedding: axis(3, 0)},
		{ID: "b", SourceID: "d1", SourceFile: "c1.txt", TextChunk: "likes cars", Embedding: []float32{0.6, 0.8, 0}},
		{ID: "c", SourceID: "d2", SourceFile: "c2.txt", TextChunk: "someone else", Embedding: axis(3, 0)},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, axis(3, 0), 5, Filter{SourceFile: "c1.txt"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order = [%s %s], want [a b]", results[0].ID, results[1].ID)
	}
	if results[0].SourceID != "d1" || results[0].SourceFile != "c1.txt" {
		t.Errorf("metadata lost: %+v", results[0].Record)
	}
}

func TestChromemStore_EmptyCollection(t *testing.T) {
	s, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	results, err := s.Search(context.Background(), axis(3, 0), 3, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestChromemStore_PersistsAndDeletes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewChromemStore(dir)
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	if err := s.Insert(ctx, []Record{
		{ID: "a", SourceID: "d1", SourceFile: "c1.txt", TextChunk: "one", Embedding: axis(2, 0)},
		{ID: "b", SourceID: "d2", SourceFile: "c1.txt", TextChunk: "two", Embedding: axis(2, 1)},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reopened, err := NewChromemStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := reopened.Count(ctx); n != 2 {
		t.Fatalf("count after reopen = %d, want 2", n)
	}

	if err := reopened.DeleteBySource(ctx, "d1"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}
	if n, _ := reopened.Count(ctx); n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}
}
