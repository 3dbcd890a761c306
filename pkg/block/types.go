// Package block implements the on-disk embedding store: fixed-capacity
// blocks of embeddings, a separately persisted id→location Directory, and
// the append/read/update/delete/reblock/scan operations over them.
package block

// SourceRef identifies where an embedding's text came from: either a whole
// file or a byte subset of one.
type SourceRef struct {
	Filepath string
	HasSubset bool
	Start    uint64
	End      uint64
}

// MetaTag is a case-sensitive key=value metadata entry attached to an
// embedding, evaluated by the filter grammar in pkg/filter.
type MetaTag struct {
	Key   string
	Value string
}

// Embedding is the engine's fundamental unit of storage: an id, an
// L2-normalized vector of fixed dimension, its source, and its metadata.
type Embedding struct {
	ID     uint64
	Vector []float32
	Source SourceRef
	Meta   []MetaTag
}

// Slot is a single embedding's on-disk payload within a block. A Slot whose
// index is in the block's tombstone bitmap is logically deleted; its bytes
// may still be present on disk until the next reblock.
type Slot struct {
	EmbeddingID uint64
	Vector      []float32
	Source      SourceRef
	Meta        []MetaTag
}

// Location is where a live embedding physically lives.
type Location struct {
	BlockID uint64
	Slot    uint32
}
