package ledger

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
)

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestDiffClassifiesNewUnchangedChanged(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d := l.Diff("a.txt", hashOf("v1"))
	if d.Result != New {
		t.Fatalf("Diff on unseen file = %v, want New", d.Result)
	}

	if err := l.Record("a.txt", hashOf("v1"), []uint64{1, 2}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	d = l.Diff("a.txt", hashOf("v1"))
	if d.Result != Unchanged {
		t.Fatalf("Diff with same hash = %v, want Unchanged", d.Result)
	}

	d = l.Diff("a.txt", hashOf("v2"))
	if d.Result != Changed {
		t.Fatalf("Diff with different hash = %v, want Changed", d.Result)
	}
	if len(d.OldIDs) != 2 || d.OldIDs[0] != 1 || d.OldIDs[1] != 2 {
		t.Errorf("Diff.OldIDs = %v, want [1 2]", d.OldIDs)
	}
}

func TestRecordPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l1.Record("a.txt", hashOf("v1"), []uint64{1, 2, 3}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, ok := l2.Lookup("a.txt")
	if !ok {
		t.Fatalf("Lookup after reopen: not found")
	}
	if len(e.EmbeddingIDs) != 3 {
		t.Errorf("EmbeddingIDs = %v, want 3 entries", e.EmbeddingIDs)
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record("a.txt", hashOf("v1"), []uint64{1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ids, err := l.Remove("a.txt")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("Remove returned ids = %v, want [1]", ids)
	}
	if _, ok := l.Lookup("a.txt"); ok {
		t.Errorf("Lookup after Remove still found entry")
	}
}
