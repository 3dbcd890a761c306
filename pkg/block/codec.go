package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
)

// blockMagic identifies a vectorkv block file; blockVersion is bumped on any
// incompatible layout change (mirrors the HNSW persistence format's u16
// version field in pkg/hnsw).
const (
	blockMagic   uint32 = 0x564b4231 // "VKB1"
	blockVersion uint16 = 1
)

// encodeVector mirrors the little-endian length-prefixed float32 framing
// used throughout vectorkv's on-disk formats.
func encodeVector(buf *bytes.Buffer, v []float32) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(v))); err != nil {
		return err
	}
	for _, f := range v {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeVector(r *bytes.Reader) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	v := make([]float32, n)
	for i := range v {
		if err := binary.Read(r, binary.LittleEndian, &v[i]); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func decodeString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeSource(buf *bytes.Buffer, s SourceRef) error {
	if err := encodeString(buf, s.Filepath); err != nil {
		return err
	}
	has := byte(0)
	if s.HasSubset {
		has = 1
	}
	if err := buf.WriteByte(has); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.Start); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, s.End)
}

func decodeSource(r *bytes.Reader) (SourceRef, error) {
	var s SourceRef
	fp, err := decodeString(r)
	if err != nil {
		return s, err
	}
	s.Filepath = fp
	has, err := r.ReadByte()
	if err != nil {
		return s, err
	}
	s.HasSubset = has == 1
	if err := binary.Read(r, binary.LittleEndian, &s.Start); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.End); err != nil {
		return s, err
	}
	return s, nil
}

func encodeMeta(buf *bytes.Buffer, meta []MetaTag) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(meta))); err != nil {
		return err
	}
	for _, m := range meta {
		if err := encodeString(buf, m.Key); err != nil {
			return err
		}
		if err := encodeString(buf, m.Value); err != nil {
			return err
		}
	}
	return nil
}

func decodeMeta(r *bytes.Reader) ([]MetaTag, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	meta := make([]MetaTag, n)
	for i := range meta {
		k, err := decodeString(r)
		if err != nil {
			return nil, err
		}
		v, err := decodeString(r)
		if err != nil {
			return nil, err
		}
		meta[i] = MetaTag{Key: k, Value: v}
	}
	return meta, nil
}

func encodeSlot(buf *bytes.Buffer, s Slot) error {
	if err := binary.Write(buf, binary.LittleEndian, s.EmbeddingID); err != nil {
		return err
	}
	if err := encodeVector(buf, s.Vector); err != nil {
		return err
	}
	if err := encodeSource(buf, s.Source); err != nil {
		return err
	}
	return encodeMeta(buf, s.Meta)
}

func decodeSlot(r *bytes.Reader) (Slot, error) {
	var s Slot
	if err := binary.Read(r, binary.LittleEndian, &s.EmbeddingID); err != nil {
		return s, err
	}
	vec, err := decodeVector(r)
	if err != nil {
		return s, err
	}
	s.Vector = vec
	src, err := decodeSource(r)
	if err != nil {
		return s, err
	}
	s.Source = src
	meta, err := decodeMeta(r)
	if err != nil {
		return s, err
	}
	s.Meta = meta
	return s, nil
}

// encodeBlock serializes a Block as:
//
//	magic u32 | version u16 | block_id u64 | count u32 | checksum u32
//	tombstone_bitmap_len u32 | tombstone_bitmap bytes
//	count * slot records
//
// checksum is the crc32 of everything from the tombstone bitmap onward.
func encodeBlock(blk *Block) ([]byte, error) {
	var body bytes.Buffer
	tb := blk.Tombstones
	if tb == nil {
		tb = roaring.New()
	}
	bitmapBytes, err := tb.ToBytes()
	if err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(bitmapBytes))); err != nil {
		return nil, err
	}
	if _, err := body.Write(bitmapBytes); err != nil {
		return nil, err
	}
	for _, s := range blk.Slots {
		if err := encodeSlot(&body, s); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, blockMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, blockVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, blk.ID); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, uint32(len(blk.Slots))); err != nil {
		return nil, err
	}
	checksum := crc32.ChecksumIEEE(body.Bytes())
	if err := binary.Write(&out, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	if _, err := out.Write(body.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeBlock(data []byte) (*Block, error) {
	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != blockMagic {
		return nil, fmt.Errorf("bad block magic %x", magic)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != blockVersion {
		return nil, fmt.Errorf("unsupported block version %d", version)
	}
	blk := &Block{}
	if err := binary.Read(r, binary.LittleEndian, &blk.ID); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return nil, err
	}
	rest := data[len(data)-r.Len():]
	if crc32.ChecksumIEEE(rest) != checksum {
		return nil, fmt.Errorf("block %d: checksum mismatch", blk.ID)
	}

	var bitmapLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bitmapLen); err != nil {
		return nil, err
	}
	bitmapBytes := make([]byte, bitmapLen)
	if _, err := io.ReadFull(r, bitmapBytes); err != nil {
		return nil, err
	}
	tb := roaring.New()
	if bitmapLen > 0 {
		if _, err := tb.FromBuffer(bitmapBytes); err != nil {
			return nil, err
		}
	}
	blk.Tombstones = tb

	blk.Slots = make([]Slot, count)
	for i := range blk.Slots {
		s, err := decodeSlot(r)
		if err != nil {
			return nil, err
		}
		blk.Slots[i] = s
	}
	return blk, nil
}
