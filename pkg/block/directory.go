package block

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// directoryRecordSize is the packed size of one [embedding_id, block_id,
// slot] record: u64 + u64 + u32.
const directoryRecordSize = 8 + 8 + 4

// Directory maps embedding_id -> (block_id, slot_index). It is persisted
// separately from blocks and is fully rebuildable from a Store.scan().
type Directory struct {
	mu      sync.RWMutex
	entries map[uint64]Location
	path    string
}

// openDirectory loads path if present, or returns an empty Directory if not
// (the caller is expected to rebuild via scan in that case).
func openDirectory(path string) (*Directory, error) {
	d := &Directory{entries: make(map[uint64]Location), path: path}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	buf := make([]byte, directoryRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("directory %s: truncated record", path)
		}
		if err != nil {
			return nil, err
		}
		id := binary.LittleEndian.Uint64(buf[0:8])
		blockID := binary.LittleEndian.Uint64(buf[8:16])
		slot := binary.LittleEndian.Uint32(buf[16:20])
		d.entries[id] = Location{BlockID: blockID, Slot: slot}
	}
	return d, nil
}

// set records (or overwrites) id's location. It does not persist; callers
// must call save() at the appropriate durability boundary.
func (d *Directory) set(id uint64, loc Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = loc
}

func (d *Directory) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

func (d *Directory) lookup(id uint64) (Location, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.entries[id]
	return loc, ok
}

func (d *Directory) replaceAll(entries map[uint64]Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = entries
}

func (d *Directory) snapshot() map[uint64]Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]Location, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}

// save atomically writes the directory to disk via write-temp+rename so a
// reader can never observe a half-written directory file.
func (d *Directory) save() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var buf bytes.Buffer
	buf.Grow(len(d.entries) * directoryRecordSize)
	rec := make([]byte, directoryRecordSize)
	for id, loc := range d.entries {
		binary.LittleEndian.PutUint64(rec[0:8], id)
		binary.LittleEndian.PutUint64(rec[8:16], loc.BlockID)
		binary.LittleEndian.PutUint32(rec[16:20], loc.Slot)
		buf.Write(rec)
	}
	return atomicfile.WriteFile(d.path, bytes.NewReader(buf.Bytes()))
}
