// Package ledger tracks which external source files contributed which
// embeddings, so that re-indexing a changed file is a precise incremental
// update rather than a full rebuild.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"

	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// Entry records one source file's current content hash and the embedding
// ids it owns, in the order they were produced.
type Entry struct {
	Filepath     string
	ContentHash  [32]byte
	EmbeddingIDs []uint64
}

// DiffResult is the outcome of comparing a file's new content hash against
// the ledger.
type DiffResult int

const (
	// Unchanged: the file's content hash matches the recorded entry.
	Unchanged DiffResult = iota
	// New: the file has no ledger entry yet.
	New
	// Changed: the file has an entry but the hash differs; OldIDs holds the
	// ids that must be tombstoned and removed from the HNSW graph.
	Changed
)

func (d DiffResult) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case New:
		return "new"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Diff is the full result of Ledger.Diff: the classification plus, for
// Changed, the ids the caller must remove.
type Diff struct {
	Result DiffResult
	OldIDs []uint64
}

// Ledger is the in-memory, disk-backed filepath -> Entry map. An id appears
// in exactly one entry at a time, per spec.md §3's invariant.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*Entry
}

// Open loads path if present, or starts empty.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]*Entry)}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, verrors.Wrap("Open", verrors.Io, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		e, err := decodeEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, verrors.Wrap("Open", verrors.Corrupt, err)
		}
		l.entries[e.Filepath] = e
	}
	return l, nil
}

// Diff classifies filepath against the ledger's recorded hash.
func (l *Ledger) Diff(filepath string, newHash [32]byte) Diff {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[filepath]
	if !ok {
		return Diff{Result: New}
	}
	if e.ContentHash == newHash {
		return Diff{Result: Unchanged}
	}
	oldIDs := make([]uint64, len(e.EmbeddingIDs))
	copy(oldIDs, e.EmbeddingIDs)
	return Diff{Result: Changed, OldIDs: oldIDs}
}

// Record installs or replaces filepath's entry and persists the ledger
// atomically.
func (l *Ledger) Record(filepath string, contentHash [32]byte, ids []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owned := make([]uint64, len(ids))
	copy(owned, ids)
	l.entries[filepath] = &Entry{Filepath: filepath, ContentHash: contentHash, EmbeddingIDs: owned}
	return l.saveLocked()
}

// Remove deletes filepath's entry entirely (used when a source file is
// deleted outright rather than changed).
func (l *Ledger) Remove(filepath string) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[filepath]
	if !ok {
		return nil, verrors.Wrap("Remove", verrors.NotFound, verrors.ErrFileNotFound)
	}
	delete(l.entries, filepath)
	if err := l.saveLocked(); err != nil {
		return nil, err
	}
	return e.EmbeddingIDs, nil
}

// Lookup returns filepath's entry, if recorded.
func (l *Ledger) Lookup(filepath string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[filepath]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Files lists every filepath currently tracked.
func (l *Ledger) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for fp := range l.entries {
		out = append(out, fp)
	}
	return out
}

func (l *Ledger) saveLocked() error {
	var buf bytes.Buffer
	for _, e := range l.entries {
		if err := encodeEntry(&buf, e); err != nil {
			return verrors.Wrap("saveLocked", verrors.Io, err)
		}
	}
	if err := atomicfile.WriteFile(l.path, bytes.NewReader(buf.Bytes())); err != nil {
		return verrors.Wrap("saveLocked", verrors.Io, err)
	}
	return nil
}

func encodeEntry(buf *bytes.Buffer, e *Entry) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(e.Filepath))); err != nil {
		return err
	}
	if _, err := buf.WriteString(e.Filepath); err != nil {
		return err
	}
	if _, err := buf.Write(e.ContentHash[:]); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(e.EmbeddingIDs))); err != nil {
		return err
	}
	for _, id := range e.EmbeddingIDs {
		if err := binary.Write(buf, binary.LittleEndian, id); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(r *bufio.Reader) (*Entry, error) {
	var fpLen uint32
	if err := binary.Read(r, binary.LittleEndian, &fpLen); err != nil {
		return nil, err
	}
	fpBytes := make([]byte, fpLen)
	if _, err := io.ReadFull(r, fpBytes); err != nil {
		return nil, err
	}
	e := &Entry{Filepath: string(fpBytes)}
	if _, err := io.ReadFull(r, e.ContentHash[:]); err != nil {
		return nil, err
	}
	var idCount uint32
	if err := binary.Read(r, binary.LittleEndian, &idCount); err != nil {
		return nil, err
	}
	e.EmbeddingIDs = make([]uint64, idCount)
	for i := range e.EmbeddingIDs {
		if err := binary.Read(r, binary.LittleEndian, &e.EmbeddingIDs[i]); err != nil {
			return nil, err
		}
	}
	return e, nil
}
