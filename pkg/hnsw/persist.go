package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// indexMagic/indexVersion identify and version the on-disk HNSW format.
// Header: D, M, MMax0, EfConstruction, Ml, MaxLayer, EntryPoint, per
// spec.md §4.3. An incompatible version fails with a clear error instead of
// a silent rebuild.
const (
	indexMagic   uint32 = 0x564b4849 // "VKHI"
	indexVersion uint16 = 1
)

// Save serializes the index to path via write-temp + atomic rename, so a
// reader opening path either sees the old complete index or the new one,
// never a partial write.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, indexMagic); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, indexVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(idx.d)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(idx.m)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(idx.mMax0)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(idx.efConstruction)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, idx.ml); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint8(idx.maxLayer)); err != nil {
		return err
	}
	hasEP := byte(0)
	if idx.hasEntryPoint {
		hasEP = 1
	}
	if err := buf.WriteByte(hasEP); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, idx.entryPoint); err != nil {
		return err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(idx.nodes))); err != nil {
		return err
	}
	for _, n := range idx.nodes {
		if err := binary.Write(&buf, binary.LittleEndian, n.ID); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint8(n.TopLayer)); err != nil {
			return err
		}
		for l := 0; l <= n.TopLayer; l++ {
			neighbors := n.Neighbors[l]
			if err := binary.Write(&buf, binary.LittleEndian, uint32(len(neighbors))); err != nil {
				return err
			}
			for _, nb := range neighbors {
				if err := binary.Write(&buf, binary.LittleEndian, nb); err != nil {
					return err
				}
			}
		}
	}

	return atomicfile.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// Load returns a new Index holding the graph serialized at path.
// Returns verrors.NotFound if path doesn't exist (callers rebuild via
// scan in that case, per the lazy startup policy).
func Load(path string, vectors VectorSource) (*Index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, verrors.Wrap("Load", verrors.NotFound, verrors.ErrEmbeddingNotFound)
	}
	if err != nil {
		return nil, verrors.Wrap("Load", verrors.Io, err)
	}

	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	if magic != indexMagic {
		return nil, verrors.Wrap("Load", verrors.Corrupt, fmt.Errorf("bad index magic %x", magic))
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	if version != indexVersion {
		return nil, verrors.Wrap("Load", verrors.Corrupt, verrors.ErrVersionMismatch)
	}

	var d uint32
	if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	var m, mMax0, ef uint16
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &mMax0); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ef); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	var ml float64
	if err := binary.Read(r, binary.LittleEndian, &ml); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	var maxLayer uint8
	if err := binary.Read(r, binary.LittleEndian, &maxLayer); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	hasEP, err := r.ReadByte()
	if err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	var entryPoint uint64
	if err := binary.Read(r, binary.LittleEndian, &entryPoint); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}

	var nodeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &nodeCount); err != nil {
		return nil, verrors.Wrap("Load", verrors.Corrupt, err)
	}

	idx := New(Params{D: int(d), M: int(m), EfConstruction: int(ef)}, vectors, nil)
	idx.mMax0 = int(mMax0)
	idx.ml = ml
	idx.maxLayer = int(maxLayer)
	idx.hasEntryPoint = hasEP == 1
	idx.entryPoint = entryPoint

	idx.nodes = make(map[uint64]*Node, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, verrors.Wrap("Load", verrors.Corrupt, err)
		}
		var topLayer uint8
		if err := binary.Read(r, binary.LittleEndian, &topLayer); err != nil {
			return nil, verrors.Wrap("Load", verrors.Corrupt, err)
		}
		n := newNode(id, int(topLayer))
		for l := 0; l <= int(topLayer); l++ {
			var cnt uint32
			if err := binary.Read(r, binary.LittleEndian, &cnt); err != nil {
				return nil, verrors.Wrap("Load", verrors.Corrupt, err)
			}
			var neighbors []uint64
			if cnt > 0 {
				neighbors = make([]uint64, cnt)
			}
			for j := range neighbors {
				if err := binary.Read(r, binary.LittleEndian, &neighbors[j]); err != nil {
					return nil, verrors.Wrap("Load", verrors.Corrupt, err)
				}
			}
			n.Neighbors[l] = neighbors
		}
		idx.nodes[id] = n
	}

	if r.Len() != 0 {
		return nil, verrors.Wrap("Load", verrors.Corrupt, fmt.Errorf("%d trailing bytes after index records", r.Len()))
	}
	return idx, nil
}
