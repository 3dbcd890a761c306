package cache

import (
	"testing"

	"github.com/vectorkv/vectorkv/pkg/block"
	"github.com/vectorkv/vectorkv/pkg/logging"
)

func TestGetHydratesWholeBlockOnMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := block.Open(dir, 4, logging.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var ids []uint64
	for i := 0; i < 4; i++ {
		id, err := store.Append(block.Embedding{Vector: []float32{float32(i)}})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	c := New(store, DefaultCapacity(4))
	if _, err := c.Get(ids[0]); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Len() != 4 {
		t.Errorf("Len after first miss = %d, want 4 (whole block hydrated)", c.Len())
	}
	for _, id := range ids {
		v, err := c.Get(id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if len(v) != 1 {
			t.Errorf("Get(%d) vector len = %d", id, len(v))
		}
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	store, err := block.Open(dir, 1, logging.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := store.Append(block.Embedding{Vector: []float32{float32(i)}})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	c := New(store, 2)
	for _, id := range ids {
		if _, err := c.Get(id); err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
	}
	if c.Len() > 2 {
		t.Errorf("Len = %d, want <= 2", c.Len())
	}
	if _, err := c.Get(ids[0]); err != nil {
		t.Fatalf("Get(oldest) after eviction should re-hydrate from store: %v", err)
	}
}

func TestRefreshDirectoryClearsCache(t *testing.T) {
	dir := t.TempDir()
	store, err := block.Open(dir, 4, logging.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := store.Append(block.Embedding{Vector: []float32{1}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	c := New(store, 10)
	if _, err := c.Get(id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.RefreshDirectory()
	if c.Len() != 0 {
		t.Errorf("Len after RefreshDirectory = %d, want 0", c.Len())
	}
}
