package hnsw

// Node is one HNSW graph node. It holds only ids; vectors are always
// fetched on demand through a VectorSource so the graph itself never owns
// vector memory or touches disk directly.
type Node struct {
	ID        uint64
	TopLayer  int
	Neighbors [][]uint64 // Neighbors[l] = neighbor ids at layer l, l in [0, TopLayer]
}

func newNode(id uint64, topLayer int) *Node {
	n := &Node{ID: id, TopLayer: topLayer, Neighbors: make([][]uint64, topLayer+1)}
	for i := range n.Neighbors {
		n.Neighbors[i] = nil
	}
	return n
}

func (n *Node) hasLayer(l int) bool {
	return l >= 0 && l <= n.TopLayer
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func containsID(ids []uint64, id uint64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
