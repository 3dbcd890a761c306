package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	atomicfile "github.com/natefinch/atomic"

	"github.com/vectorkv/vectorkv/pkg/logging"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// Store is the block-structured on-disk embedding store: append, read,
// in-place update, logical delete, reblock (compaction), and full scan.
type Store struct {
	mu sync.RWMutex

	dataDir    string
	blocksDir  string
	dirPath    string
	idCtrPath  string
	capacity   int // B: embeddings per block

	dir     *Directory
	nextID  uint64
	log     logging.Logger

	openBlock   *Block // current block accepting appends
	blockCache  map[uint64]*Block
}

// Open opens (creating if absent) a block store rooted at dataDir, with
// block capacity B embeddings per block.
func Open(dataDir string, capacity int, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	blocksDir := filepath.Join(dataDir, "blocks")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, verrors.Wrap("Open", verrors.Io, err)
	}

	dirPath := filepath.Join(dataDir, "directory")
	_, statErr := os.Stat(dirPath)
	rebuildDir := os.IsNotExist(statErr)
	dir, err := openDirectory(dirPath)
	if err != nil {
		log.Warn("directory unreadable, rebuilding from scan", "path", dirPath, "err", err)
		dir = &Directory{entries: make(map[uint64]Location), path: dirPath}
		rebuildDir = true
	}

	idCtrPath := filepath.Join(dataDir, "id_counter")
	nextID, err := readIDCounter(idCtrPath)
	if err != nil {
		return nil, verrors.Wrap("Open", verrors.Corrupt, err)
	}

	s := &Store{
		dataDir:    dataDir,
		blocksDir:  blocksDir,
		dirPath:    dirPath,
		idCtrPath:  idCtrPath,
		capacity:   capacity,
		dir:        dir,
		nextID:     nextID,
		log:        log,
		blockCache: make(map[uint64]*Block),
	}

	if err := s.truncatePartialTail(); err != nil {
		return nil, err
	}
	if err := s.openTailBlock(); err != nil {
		return nil, err
	}
	if rebuildDir {
		if err := s.RebuildDirectory(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func readIDCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 1, nil
	}
	return binary.LittleEndian.Uint64(data) + 1, nil
}

func (s *Store) saveIDCounter(lastAssigned uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, lastAssigned)
	return atomicfile.WriteFile(s.idCtrPath, bytes.NewReader(buf))
}

// blockPath returns the path for a given block id: zero-padded so a
// directory listing sorts in block order.
func (s *Store) blockPath(id uint64) string {
	return filepath.Join(s.blocksDir, fmt.Sprintf("%020d", id))
}

// truncatePartialTail implements the crash-recovery rule from the on-disk
// store's failure semantics: a block file whose trailing bytes fail to
// decode (crash before fsync) is truncated rather than trusted.
func (s *Store) truncatePartialTail() error {
	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return verrors.Wrap("truncatePartialTail", verrors.Io, err)
	}
	for _, e := range entries {
		p := filepath.Join(s.blocksDir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return verrors.Wrap("truncatePartialTail", verrors.Io, err)
		}
		if _, err := decodeBlock(data); err != nil {
			s.log.Warn("dropping unreadable block tail", "path", p, "err", err)
			if err := os.Remove(p); err != nil {
				return verrors.Wrap("truncatePartialTail", verrors.Io, err)
			}
		}
	}
	return nil
}

// openTailBlock finds the highest-numbered existing block that isn't full
// yet and makes it the open block for future appends; otherwise starts a
// fresh block.
func (s *Store) openTailBlock() error {
	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return verrors.Wrap("openTailBlock", verrors.Io, err)
	}
	var maxID uint64
	found := false
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		if !found || id > maxID {
			maxID = id
			found = true
		}
	}
	if !found {
		s.openBlock = newBlock(0)
		return nil
	}
	blk, err := s.loadBlock(maxID)
	if err != nil {
		return err
	}
	if blk.full(s.capacity) {
		s.openBlock = newBlock(maxID + 1)
	} else {
		s.openBlock = blk
	}
	return nil
}

func (s *Store) loadBlock(id uint64) (*Block, error) {
	if blk, ok := s.blockCache[id]; ok {
		return blk, nil
	}
	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, verrors.Wrap("loadBlock", verrors.NotFound, verrors.ErrBlockNotFound)
		}
		return nil, verrors.Wrap("loadBlock", verrors.Io, err)
	}
	blk, err := decodeBlock(data)
	if err != nil {
		return nil, verrors.Wrap("loadBlock", verrors.Corrupt, err)
	}
	return blk, nil
}

// flushBlock writes blk to disk and fsyncs, per the fsync-at-block-boundary
// durability rule.
func (s *Store) flushBlock(blk *Block) error {
	data, err := encodeBlock(blk)
	if err != nil {
		return verrors.Wrap("flushBlock", verrors.Corrupt, err)
	}
	path := s.blockPath(blk.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return verrors.Wrap("flushBlock", verrors.Io, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return verrors.Wrap("flushBlock", verrors.Io, err)
	}
	if err := f.Sync(); err != nil {
		return verrors.Wrap("flushBlock", verrors.Io, err)
	}
	return nil
}

// Append assigns a fresh monotonically increasing id, stores e in the open
// block, flushes that block, persists the Directory, and rotates to a fresh
// open block if the current one is now full.
func (s *Store) Append(e Embedding) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	e.ID = id

	slotIdx := uint32(len(s.openBlock.Slots))
	s.openBlock.Slots = append(s.openBlock.Slots, Slot{
		EmbeddingID: id,
		Vector:      e.Vector,
		Source:      e.Source,
		Meta:        e.Meta,
	})

	if err := s.flushBlock(s.openBlock); err != nil {
		// roll back the append; the writer lock stays held by the caller
		// until this returns, so no reader observes the half-applied state.
		s.openBlock.Slots = s.openBlock.Slots[:slotIdx]
		s.nextID--
		return 0, err
	}
	s.blockCache[s.openBlock.ID] = s.openBlock
	s.dir.set(id, Location{BlockID: s.openBlock.ID, Slot: slotIdx})

	if err := s.dir.save(); err != nil {
		return 0, verrors.Wrap("Append", verrors.Io, err)
	}
	if err := s.saveIDCounter(id); err != nil {
		return 0, verrors.Wrap("Append", verrors.Io, err)
	}

	if s.openBlock.full(s.capacity) {
		s.openBlock = newBlock(s.openBlock.ID + 1)
	}
	return id, nil
}

// Read resolves id via the Directory and returns its embedding.
func (s *Store) Read(id uint64) (Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

func (s *Store) readLocked(id uint64) (Embedding, error) {
	loc, ok := s.dir.lookup(id)
	if !ok {
		return Embedding{}, verrors.Wrap("Read", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}
	blk, err := s.loadBlock(loc.BlockID)
	if err != nil {
		return Embedding{}, err
	}
	if int(loc.Slot) >= len(blk.Slots) || blk.isTombstoned(loc.Slot) {
		return Embedding{}, verrors.Wrap("Read", verrors.Corrupt, verrors.ErrDirectoryCorrupt)
	}
	slot := blk.Slots[loc.Slot]
	if slot.EmbeddingID != id {
		return Embedding{}, verrors.Wrap("Read", verrors.Corrupt, verrors.ErrDirectoryCorrupt)
	}
	return Embedding{ID: id, Vector: slot.Vector, Source: slot.Source, Meta: slot.Meta}, nil
}

// ReadBlock returns the full decoded block containing id's slot, for
// block-affine cache hydration. It does not check id is live.
func (s *Store) ReadBlock(id uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.dir.lookup(id)
	if !ok {
		return nil, verrors.Wrap("ReadBlock", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}
	return s.loadBlock(loc.BlockID)
}

// Update writes e in place at id's existing slot. Vector size is always D,
// so the slot index never changes; source/meta may differ in size.
func (s *Store) Update(id uint64, e Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.dir.lookup(id)
	if !ok {
		return verrors.Wrap("Update", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}
	blk, err := s.loadBlock(loc.BlockID)
	if err != nil {
		return err
	}
	if int(loc.Slot) >= len(blk.Slots) || blk.isTombstoned(loc.Slot) {
		return verrors.Wrap("Update", verrors.Corrupt, verrors.ErrDirectoryCorrupt)
	}
	old := blk.Slots[loc.Slot]
	blk.Slots[loc.Slot] = Slot{EmbeddingID: id, Vector: e.Vector, Source: e.Source, Meta: e.Meta}
	if err := s.flushBlock(blk); err != nil {
		blk.Slots[loc.Slot] = old
		return err
	}
	s.blockCache[blk.ID] = blk
	return nil
}

// Delete marks id's slot tombstoned. The Directory entry is retained until
// the next reblock; deletion is compaction-deferred rather than immediate.
func (s *Store) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.dir.lookup(id)
	if !ok {
		return verrors.Wrap("Delete", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}
	blk, err := s.loadBlock(loc.BlockID)
	if err != nil {
		return err
	}
	if blk.isTombstoned(loc.Slot) {
		return nil
	}
	blk.Tombstones.Add(loc.Slot)
	if err := s.flushBlock(blk); err != nil {
		blk.Tombstones.Remove(loc.Slot)
		return err
	}
	s.blockCache[blk.ID] = blk
	return nil
}

// Scan streams every live embedding in block order, used for index rebuild
// and Directory reconstruction.
func (s *Store) Scan(fn func(Embedding) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return verrors.Wrap("Scan", verrors.Io, err)
	}
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		blk, err := s.loadBlock(id)
		if err != nil {
			return err
		}
		for i, slot := range blk.Slots {
			if blk.isTombstoned(uint32(i)) {
				continue
			}
			emb := Embedding{ID: slot.EmbeddingID, Vector: slot.Vector, Source: slot.Source, Meta: slot.Meta}
			if err := fn(emb); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebuildDirectory reconstructs the Directory entirely from a Scan, used
// when Directory corruption is detected on startup.
func (s *Store) RebuildDirectory() error {
	fresh := make(map[uint64]Location)
	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return verrors.Wrap("RebuildDirectory", verrors.Io, err)
	}
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		blk, err := s.loadBlock(id)
		if err != nil {
			return err
		}
		for i, slot := range blk.Slots {
			if blk.isTombstoned(uint32(i)) {
				continue
			}
			fresh[slot.EmbeddingID] = Location{BlockID: id, Slot: uint32(i)}
		}
	}
	s.dir.replaceAll(fresh)
	return s.dir.save()
}

// Reblock rewrites every block dropping tombstoned slots, reassigning
// (block_id, slot_index) for survivors, and atomically updates the
// Directory. Embedding ids are preserved.
func (s *Store) Reblock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return verrors.Wrap("Reblock", verrors.Io, err)
	}
	var oldIDs []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		oldIDs = append(oldIDs, id)
	}

	newDir := make(map[uint64]Location)
	var cur *Block
	var curID uint64
	newBlocks := map[uint64]*Block{}

	flushCur := func() error {
		if cur == nil || len(cur.Slots) == 0 {
			return nil
		}
		if err := s.flushBlock(cur); err != nil {
			return err
		}
		newBlocks[cur.ID] = cur
		return nil
	}

	for _, id := range oldIDs {
		blk, err := s.loadBlock(id)
		if err != nil {
			return err
		}
		for i, slot := range blk.Slots {
			if blk.isTombstoned(uint32(i)) {
				continue
			}
			if cur == nil {
				cur = newBlock(curID)
			}
			slotIdx := uint32(len(cur.Slots))
			cur.Slots = append(cur.Slots, slot)
			newDir[slot.EmbeddingID] = Location{BlockID: cur.ID, Slot: slotIdx}
			if cur.full(s.capacity) {
				if err := flushCur(); err != nil {
					return err
				}
				curID++
				cur = nil
			}
		}
	}
	if err := flushCur(); err != nil {
		return err
	}

	// remove now-stale block files beyond the compacted range.
	nextFree := curID
	if cur != nil {
		nextFree = cur.ID + 1
	}
	for _, id := range oldIDs {
		if id >= nextFree {
			if err := os.Remove(s.blockPath(id)); err != nil && !os.IsNotExist(err) {
				return verrors.Wrap("Reblock", verrors.Io, err)
			}
		}
	}

	s.dir.replaceAll(newDir)
	if err := s.dir.save(); err != nil {
		return verrors.Wrap("Reblock", verrors.Io, err)
	}

	s.blockCache = newBlocks
	if cur != nil {
		s.openBlock = cur
	} else {
		s.openBlock = newBlock(nextFree)
	}
	return nil
}

// TombstoneRatio reports the fraction of slots across all blocks currently
// tombstoned, used to decide whether an implicit reblock is due.
func (s *Store) TombstoneRatio() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return 0, verrors.Wrap("TombstoneRatio", verrors.Io, err)
	}
	var total, dead int
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &id); err != nil {
			continue
		}
		blk, err := s.loadBlock(id)
		if err != nil {
			return 0, err
		}
		total += len(blk.Slots)
		dead += int(blk.Tombstones.GetCardinality())
	}
	if total == 0 {
		return 0, nil
	}
	return float64(dead) / float64(total), nil
}

// Directory returns the store's id→location Directory.
func (s *Store) Directory() *Directory {
	return s.dir
}
