package block

import "github.com/RoaringBitmap/roaring/v2"

// Block is the in-memory form of one on-disk block: up to capacity Slots,
// with a tombstone bitmap marking logically deleted slot indices. "Fixed
// capacity" means Slots never grows past B; it needn't stay at exactly B
// bytes on disk since metadata/filepaths are variable-length.
type Block struct {
	ID         uint64
	Slots      []Slot
	Tombstones *roaring.Bitmap
}

func newBlock(id uint64) *Block {
	return &Block{ID: id, Tombstones: roaring.New()}
}

// full reports whether the block has reached its configured capacity B.
func (b *Block) full(capacity int) bool {
	return len(b.Slots) >= capacity
}

// liveCount returns the number of non-tombstoned slots.
func (b *Block) liveCount() int {
	return len(b.Slots) - int(b.Tombstones.GetCardinality())
}

func (b *Block) isTombstoned(slot uint32) bool {
	return b.Tombstones.Contains(slot)
}
