// Package hnsw implements a Hierarchical Navigable Small World graph index
// (Malkov-Yashunin) over embedding ids. The graph holds only ids; vectors
// are fetched on demand through a VectorSource (the embedding cache), so
// the index itself never touches disk on the query path.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/vectorkv/vectorkv/pkg/logging"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// VectorSource resolves an embedding id to its vector. pkg/cache.Cache
// satisfies this.
type VectorSource interface {
	Vector(id uint64) ([]float32, error)
}

// Params are the tuning knobs from spec.md §4.3/§6.
type Params struct {
	D              int // embedding dimension, fixed at index-build time
	M              int // typical degree
	EfConstruction int // candidate pool during insert
	EfSearch       int // default candidate pool during query
}

// Result is one query hit: an id and its cosine-similarity score.
type Result struct {
	ID    uint64
	Score float32
}

// Index is the HNSW graph. All mutating operations take the writer lock;
// Query takes the reader lock for its duration, matching the single-writer
// many-reader model in spec.md §5.
type Index struct {
	mu sync.RWMutex

	d              int
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	ml             float64

	maxLayer      int
	entryPoint    uint64
	hasEntryPoint bool

	nodes map[uint64]*Node

	vectors VectorSource
	rng     *rand.Rand
	log     logging.Logger
}

// New creates an empty index. vectors is consulted for every distance
// computation; it must already be wired to the embedding cache.
func New(p Params, vectors VectorSource, log logging.Logger) *Index {
	if log == nil {
		log = logging.Nop()
	}
	m := p.M
	if m <= 0 {
		m = 16
	}
	ef := p.EfConstruction
	if ef <= 0 {
		ef = 200
	}
	efSearch := p.EfSearch
	if efSearch <= 0 {
		efSearch = 200
	}
	return &Index{
		d:              p.D,
		m:              m,
		mMax0:          2 * m,
		efConstruction: ef,
		efSearch:       efSearch,
		nodes:          make(map[uint64]*Node),
		vectors:        vectors,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		log:            log,
	}
}

// SetVectorSource rebinds the VectorSource, used after the cache is
// recreated (e.g. on reopen).
func (idx *Index) SetVectorSource(vectors VectorSource) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = vectors
}

// Size returns the number of live nodes.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// EntryPoint reports the current entry point id, if any.
func (idx *Index) EntryPoint() (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entryPoint, idx.hasEntryPoint
}

// MaxLayer reports the current top layer reachable from the entry point.
func (idx *Index) MaxLayer() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxLayer
}

func (idx *Index) vector(id uint64) ([]float32, error) {
	return idx.vectors.Vector(id)
}

// selectLevel draws l = floor(-ln(U(0,1)) * ml), the new node's top layer.
func (idx *Index) selectLevel() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * idx.ml))
}

// Insert adds id (whose vector must already be resolvable via the
// VectorSource) to the graph.
func (idx *Index) Insert(id uint64, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return verrors.Wrap("Insert", verrors.Corrupt, errNodeExists(id))
	}

	if idx.m > 1 {
		idx.ml = 1.0 / math.Log(float64(idx.m))
	} else {
		idx.ml = 1.0
	}
	level := idx.selectLevel()
	node := newNode(id, level)
	idx.nodes[id] = node

	if !idx.hasEntryPoint {
		idx.entryPoint = id
		idx.hasEntryPoint = true
		idx.maxLayer = level
		return nil
	}

	entryNode := idx.nodes[idx.entryPoint]
	curNearest := []uint64{idx.entryPoint}

	for lc := entryNode.TopLayer; lc > level; lc-- {
		best, err := idx.searchLayer(vector, curNearest, 1, lc)
		if err != nil {
			return err
		}
		curNearest = idsOf(best)
	}

	top := level
	if entryNode.TopLayer < top {
		top = entryNode.TopLayer
	}
	for lc := top; lc >= 0; lc-- {
		m := idx.m
		if lc == 0 {
			m = idx.mMax0
		}
		candidates, err := idx.searchLayer(vector, curNearest, idx.efConstruction, lc)
		if err != nil {
			return err
		}
		neighbors, err := idx.selectNeighborsHeuristic(vector, candidates, m)
		if err != nil {
			return err
		}

		node.Neighbors[lc] = idsOf(neighbors)
		for _, nb := range neighbors {
			idx.addConnection(nb.id, id, lc)
			if err := idx.pruneIfNeeded(nb.id, lc); err != nil {
				return err
			}
		}
		curNearest = idsOf(neighbors)
	}

	if level > entryNode.TopLayer {
		idx.entryPoint = id
		idx.maxLayer = level
	}
	return nil
}

// addConnection links from -> to at layer, deduping.
func (idx *Index) addConnection(from, to uint64, layer int) {
	node, ok := idx.nodes[from]
	if !ok || !node.hasLayer(layer) {
		return
	}
	if containsID(node.Neighbors[layer], to) {
		return
	}
	node.Neighbors[layer] = append(node.Neighbors[layer], to)
}

// pruneIfNeeded reruns the heuristic on id's neighbor set at layer if it now
// exceeds the layer's degree cap.
func (idx *Index) pruneIfNeeded(id uint64, layer int) error {
	node, ok := idx.nodes[id]
	if !ok || !node.hasLayer(layer) {
		return nil
	}
	cap := idx.m
	if layer == 0 {
		cap = idx.mMax0
	}
	if len(node.Neighbors[layer]) <= cap {
		return nil
	}
	vec, err := idx.vector(id)
	if err != nil {
		return err
	}
	cands := make([]candidate, 0, len(node.Neighbors[layer]))
	for _, nid := range node.Neighbors[layer] {
		nv, err := idx.vector(nid)
		if err != nil {
			return err
		}
		cands = append(cands, candidate{id: nid, dist: cosineDistance(vec, nv)})
	}
	pruned, err := idx.selectNeighborsHeuristic(vec, cands, cap)
	if err != nil {
		return err
	}
	node.Neighbors[layer] = idsOf(pruned)
	return nil
}

// selectNeighborsHeuristic implements the navigability-preserving heuristic
// from spec.md §4.3 step 4: take candidates closest-first, but drop one if
// it is closer to an already-selected neighbor than to the query itself.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []candidate, m int) ([]candidate, error) {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].dist != sorted[j].dist {
			return sorted[i].dist < sorted[j].dist
		}
		return sorted[i].id < sorted[j].id
	})

	selected := make([]candidate, 0, m)
	selectedVecs := make([][]float32, 0, m)
	for _, c := range sorted {
		if len(selected) >= m {
			break
		}
		cv, err := idx.vector(c.id)
		if err != nil {
			return nil, err
		}
		good := true
		for _, sv := range selectedVecs {
			if cosineDistance(cv, sv) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
			selectedVecs = append(selectedVecs, cv)
		}
	}
	return selected, nil
}

// Query runs k-NN search. match, if non-nil, is consulted per candidate: a
// candidate failing match is still traversed for connectivity but excluded
// from the result set, per spec.md §4.3 step 3.
func (idx *Index) Query(query []float32, k int, ef int, match func(id uint64) bool) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k == 0 || !idx.hasEntryPoint || len(idx.nodes) == 0 {
		return []Result{}, nil
	}
	if ef <= 0 {
		ef = idx.efSearch
	}

	entryNode := idx.nodes[idx.entryPoint]
	curNearest := []uint64{idx.entryPoint}
	for layer := entryNode.TopLayer; layer > 0; layer-- {
		best, err := idx.searchLayer(query, curNearest, 1, layer)
		if err != nil {
			return nil, err
		}
		curNearest = idsOf(best)
	}

	candidates, err := idx.searchLayerFiltered(query, curNearest, ef, 0, match)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if match != nil && !match(c.id) {
			continue
		}
		results = append(results, Result{ID: c.id, Score: 1 - c.dist})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Remove logically deletes id: its entries in neighbors' adjacency lists are
// cleared and it is dropped from the node table. If it was the entry point,
// the replacement is the highest-top-layer remaining node, ties broken by
// the smaller id — correcting the common "first node found" shortcut.
func (idx *Index) Remove(id uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	node, ok := idx.nodes[id]
	if !ok {
		return verrors.Wrap("Remove", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}

	for layer, neighbors := range node.Neighbors {
		for _, nb := range neighbors {
			if nbNode, ok := idx.nodes[nb]; ok && nbNode.hasLayer(layer) {
				nbNode.Neighbors[layer] = removeID(nbNode.Neighbors[layer], id)
			}
		}
	}
	delete(idx.nodes, id)

	if idx.hasEntryPoint && idx.entryPoint == id {
		idx.promoteNewEntryPoint()
	}
	return nil
}

// promoteNewEntryPoint scans the remaining node table for the highest
// TopLayer, breaking ties by the smaller id. Caller holds the write lock.
func (idx *Index) promoteNewEntryPoint() {
	if len(idx.nodes) == 0 {
		idx.hasEntryPoint = false
		idx.entryPoint = 0
		idx.maxLayer = 0
		return
	}
	var best *Node
	for _, n := range idx.nodes {
		if best == nil || n.TopLayer > best.TopLayer || (n.TopLayer == best.TopLayer && n.ID < best.ID) {
			best = n
		}
	}
	idx.entryPoint = best.ID
	idx.hasEntryPoint = true
	idx.maxLayer = best.TopLayer
}

type candidate struct {
	id   uint64
	dist float32
}

func idsOf(cands []candidate) []uint64 {
	ids := make([]uint64, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// searchLayer is the classic HNSW beam search at a single layer: a min-heap
// of candidates to expand and a bounded max-heap (furthest distance on top)
// of the current best ef results.
func (idx *Index) searchLayer(query []float32, entryPoints []uint64, ef int, layer int) ([]candidate, error) {
	return idx.searchLayerFiltered(query, entryPoints, ef, layer, nil)
}

// searchLayerFiltered is searchLayer with an optional match predicate. A
// candidate failing match is still pushed onto toExplore so the search can
// keep traversing through it for connectivity, but it is never admitted
// into best (the bounded ef-wide result list), matching spec.md §4.3 step 3
// ("a candidate failing the filter may still be traversed for connectivity
// but cannot enter the result heap").
func (idx *Index) searchLayerFiltered(query []float32, entryPoints []uint64, ef int, layer int, match func(id uint64) bool) ([]candidate, error) {
	visited := make(map[uint64]bool, ef*2)
	toExplore := &minHeap{}
	best := &maxHeap{}

	admit := func(id uint64, d float32) {
		if match != nil && !match(id) {
			return
		}
		if best.Len() < ef || d < (*best)[0].dist {
			heap.Push(best, candidate{id: id, dist: d})
			if best.Len() > ef {
				heap.Pop(best)
			}
		}
	}

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		if _, ok := idx.nodes[ep]; !ok {
			continue
		}
		v, err := idx.vector(ep)
		if err != nil {
			return nil, err
		}
		d := cosineDistance(query, v)
		heap.Push(toExplore, candidate{id: ep, dist: d})
		admit(ep, d)
		visited[ep] = true
	}

	for toExplore.Len() > 0 {
		cur := heap.Pop(toExplore).(candidate)
		if best.Len() >= ef && cur.dist > (*best)[0].dist {
			break
		}
		node, ok := idx.nodes[cur.id]
		if !ok || !node.hasLayer(layer) {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nv, err := idx.vector(nb)
			if err != nil {
				return nil, err
			}
			d := cosineDistance(query, nv)
			if best.Len() < ef || d < (*best)[0].dist {
				heap.Push(toExplore, candidate{id: nb, dist: d})
			}
			admit(nb, d)
		}
	}

	result := make([]candidate, best.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(best).(candidate)
	}
	return result, nil
}
