package hnsw

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// memVectors is a trivial VectorSource over an in-memory map, used so these
// tests exercise the graph algorithms without depending on pkg/cache or
// pkg/block.
type memVectors map[uint64][]float32

func (m memVectors) Vector(id uint64) ([]float32, error) {
	v, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("no vector for id %d", id)
	}
	return v, nil
}

func unit(xs ...float32) []float32 {
	var norm float64
	for _, x := range xs {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func TestInsertAndQueryRoundTrip(t *testing.T) {
	vecs := memVectors{
		1: unit(1, 0, 0),
		2: unit(0.9, 0.1, 0),
		3: unit(0, 1, 0),
		4: unit(0, 0, 1),
	}
	idx := New(Params{D: 3, M: 4, EfConstruction: 32}, vecs, nil)
	for _, id := range []uint64{1, 2, 3, 4} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert(%d): %v", id, err)
		}
	}

	results, err := idx.Query(vecs[1], 1, 32, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("Query(vecs[1], 1) = %+v, want id 1 first", results)
	}
	if results[0].Score < 0.99 {
		t.Errorf("self-query score = %v, want >= 0.99", results[0].Score)
	}
}

func TestQueryBoundaries(t *testing.T) {
	vecs := memVectors{1: unit(1, 0), 2: unit(0, 1)}
	idx := New(Params{D: 2, M: 4, EfConstruction: 16}, vecs, nil)

	if res, err := idx.Query(unit(1, 0), 5, 16, nil); err != nil || len(res) != 0 {
		t.Fatalf("empty index query = %+v, %v", res, err)
	}

	for _, id := range []uint64{1, 2} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if res, err := idx.Query(unit(1, 0), 0, 16, nil); err != nil || len(res) != 0 {
		t.Fatalf("k=0 query = %+v, %v, want empty", res, err)
	}
	if res, err := idx.Query(unit(1, 0), 100, 16, nil); err != nil || len(res) != 2 {
		t.Fatalf("k > size query = %+v, %v, want 2 results", res, err)
	}
}

func TestTieBreakByLowestID(t *testing.T) {
	v := unit(1, 1, 1)
	vecs := memVectors{3: v, 1: v, 2: v}
	idx := New(Params{D: 3, M: 4, EfConstruction: 16}, vecs, nil)
	for _, id := range []uint64{3, 1, 2} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := idx.Query(v, 3, 16, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 || results[0].ID != 1 {
		t.Fatalf("duplicate-vector query = %+v, want id 1 first on tie", results)
	}
}

func TestFilterExcludesNonMatchingFromResults(t *testing.T) {
	vecs := memVectors{
		1: unit(1, 0),
		2: unit(0.99, 0.1),
		3: unit(0.98, 0.2),
	}
	idx := New(Params{D: 2, M: 4, EfConstruction: 16}, vecs, nil)
	for _, id := range []uint64{1, 2, 3} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	match := func(id uint64) bool { return id != 1 }
	results, err := idx.Query(unit(1, 0), 3, 16, match)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, r := range results {
		if r.ID == 1 {
			t.Errorf("filtered-out id 1 present in results: %+v", results)
		}
	}
	if len(results) != 2 {
		t.Errorf("len(results) = %d, want 2", len(results))
	}
}

func TestRemoveReassignsEntryPointToHighestRemainingLayer(t *testing.T) {
	vecs := memVectors{
		1: unit(1, 0),
		2: unit(0, 1),
		3: unit(1, 1),
	}
	idx := New(Params{D: 2, M: 4, EfConstruction: 16}, vecs, nil)
	for _, id := range []uint64{1, 2, 3} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	ep, ok := idx.EntryPoint()
	if !ok {
		t.Fatalf("expected an entry point")
	}
	if err := idx.Remove(ep); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	newEP, ok := idx.EntryPoint()
	if !ok {
		t.Fatalf("expected a replacement entry point")
	}
	if newEP == ep {
		t.Fatalf("entry point unchanged after removing it")
	}
	epNode := idx.nodes[newEP]
	for id, n := range idx.nodes {
		if n.TopLayer > epNode.TopLayer || (n.TopLayer == epNode.TopLayer && id < newEP) {
			t.Errorf("entry point %d (layer %d) is not the highest-layer, lowest-id node: %d has layer %d", newEP, epNode.TopLayer, id, n.TopLayer)
		}
	}
	if idx.Size() != 2 {
		t.Errorf("Size() = %d, want 2", idx.Size())
	}
	if _, err := idx.Query(unit(1, 0), 2, 16, nil); err != nil {
		t.Fatalf("Query after removal: %v", err)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	vecs := memVectors{1: unit(1, 0, 0), 2: unit(0, 1, 0), 3: unit(0, 0, 1)}
	idx := New(Params{D: 3, M: 4, EfConstruction: 16}, vecs, nil)
	for _, id := range []uint64{1, 2, 3} {
		if err := idx.Insert(id, vecs[id]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "index")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path, vecs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff(idx.nodes, loaded.nodes, cmp.AllowUnexported(Node{})); diff != "" {
		t.Errorf("Load(Save(idx)) nodes differ (-want +got):\n%s", diff)
	}
	if idx.entryPoint != loaded.entryPoint || idx.maxLayer != loaded.maxLayer {
		t.Errorf("header mismatch: entry=%d/%d maxLayer=%d/%d",
			idx.entryPoint, loaded.entryPoint, idx.maxLayer, loaded.maxLayer)
	}
}
