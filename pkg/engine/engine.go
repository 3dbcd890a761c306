// Package engine is the facade binding the Block Store, Embedding Cache,
// Ledger, and HNSW Index into the three operations clients see: query, add,
// and reindex. It owns the single-writer/many-reader synchronization
// boundary described by the resource model: readers take the engine's
// read lock for a search, writers take the exclusive lock for the whole
// of a mutation, and persistence happens before that lock is released.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vectorkv/vectorkv/pkg/block"
	"github.com/vectorkv/vectorkv/pkg/cache"
	"github.com/vectorkv/vectorkv/pkg/config"
	"github.com/vectorkv/vectorkv/pkg/filter"
	"github.com/vectorkv/vectorkv/pkg/hnsw"
	"github.com/vectorkv/vectorkv/pkg/ledger"
	"github.com/vectorkv/vectorkv/pkg/logging"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// EmbedSource names what's being embedded: either a whole file's content or
// a byte subset of one.
type EmbedSource struct {
	Filepath  string
	Content   string
	HasSubset bool
	Start     uint64
	End       uint64
}

// Embedder is the external embedding capability. Implementations must
// return a fixed-dimension vector; the engine renormalizes it on ingest and
// rejects zero-norm results with EmbedError.
type Embedder interface {
	Embed(ctx context.Context, src EmbedSource) ([]float32, error)
}

// Chunk is one logical subset of a source file produced by a Chunker.
type Chunk struct {
	Start   uint64
	End     uint64
	Content string
}

// Chunker splits a file's content into logical subsets for independent
// embedding during reindex. pkg/chunk provides the default implementation.
type Chunker interface {
	Split(content string) []Chunk
}

// QueryResult is one ranked hit: the embedding's source and its similarity
// score.
type QueryResult struct {
	Source block.SourceRef
	Score  float32
}

// Stats summarizes the engine's current state for the CLI and service
// status reporting.
type Stats struct {
	EmbeddingCount int
	GraphSize      int
	CachedVectors  int
	TombstoneRatio float64
}

// String renders Stats with human-readable counts.
func (s Stats) String() string {
	return fmt.Sprintf("embeddings=%s graph_nodes=%s cached=%s tombstones=%.1f%%",
		humanize.Comma(int64(s.EmbeddingCount)),
		humanize.Comma(int64(s.GraphSize)),
		humanize.Comma(int64(s.CachedVectors)),
		s.TombstoneRatio*100)
}

// Engine is the single per-process instance owning the HNSW index, Cache,
// Block Store, and Ledger.
type Engine struct {
	mu sync.RWMutex

	cfg       config.Config
	dataDir   string
	indexPath string

	block    *block.Store
	cache    *cache.Cache
	index    *hnsw.Index
	ledger   *ledger.Ledger
	embedder Embedder
	chunker  Chunker
	log      logging.Logger
}

// Open wires the engine's components against dataDir, performing the setup
// pass (creating blocks/, touching the ledger file if absent) and then the
// lazy startup policy: load the serialized index if present and
// consistent, else rebuild it from a full Block Store scan. An index file
// written in an incompatible format version fails Open rather than being
// rebuilt.
func Open(cfg config.Config, embedder Embedder, chunker Chunker, log logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, verrors.Wrap("Open", verrors.Io, err)
	}

	store, err := block.Open(cfg.DataDir, cfg.BlockCapacity, log)
	if err != nil {
		return nil, err
	}

	cacheCapacity := cfg.CacheCapacity
	if cacheCapacity <= 0 {
		cacheCapacity = cache.DefaultCapacity(cfg.BlockCapacity)
	}
	c := cache.New(store, cacheCapacity)

	ledgerPath := filepath.Join(cfg.DataDir, "ledger")
	if err := touchIfMissing(ledgerPath); err != nil {
		return nil, verrors.Wrap("Open", verrors.Io, err)
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		dataDir:   cfg.DataDir,
		indexPath: filepath.Join(cfg.DataDir, "index"),
		block:     store,
		cache:     c,
		ledger:    led,
		embedder:  embedder,
		chunker:   chunker,
		log:       log,
	}

	idx, err := hnsw.Load(e.indexPath, c)
	if err != nil {
		if errors.Is(err, verrors.ErrVersionMismatch) {
			return nil, err
		}
		if !verrors.Is(err, verrors.NotFound) {
			log.Warn("discarding unreadable index, rebuilding from scan", "path", e.indexPath, "err", err)
		}
		idx, err = e.rebuildIndex()
		if err != nil {
			return nil, err
		}
	}
	e.index = idx

	return e, nil
}

// touchIfMissing creates an empty file at path if nothing exists there yet.
func touchIfMissing(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (e *Engine) rebuildIndex() (*hnsw.Index, error) {
	idx := hnsw.New(hnsw.Params{
		D:              e.cfg.Dimension,
		M:              e.cfg.M,
		EfConstruction: e.cfg.EfConstruction,
		EfSearch:       e.cfg.EfSearch,
	}, e.cache, e.log)

	err := e.block.Scan(func(emb block.Embedding) error {
		return idx.Insert(emb.ID, emb.Vector)
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Query embeds text, searches the HNSW index applying filters, and
// resolves surviving ids to their SourceRef via the Block Store.
func (e *Engine) Query(ctx context.Context, text string, filterStrings []string, k int) ([]QueryResult, error) {
	set, err := filter.Parse(filterStrings)
	if err != nil {
		return nil, err
	}

	vec, err := e.embedAndNormalize(ctx, EmbedSource{Content: text})
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	match := func(id uint64) bool {
		if len(set) == 0 {
			return true
		}
		emb, err := e.block.Read(id)
		if err != nil {
			return false
		}
		return set.Match(emb.Meta)
	}

	results, err := e.index.Query(vec, k, e.cfg.EfSearch, match)
	if err != nil {
		return nil, err
	}

	out := make([]QueryResult, 0, len(results))
	for _, r := range results {
		emb, err := e.block.Read(r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, QueryResult{Source: emb.Source, Score: r.Score})
	}
	return out, nil
}

// Add embeds a single source, appends it to the Block Store, inserts it
// into the HNSW index, records a single-source Ledger entry when src names
// a file (a source with no Filepath gets no Ledger entry), and persists the
// index before releasing the writer lock.
func (e *Engine) Add(ctx context.Context, src EmbedSource, meta []block.MetaTag) (uint64, error) {
	vec, err := e.embedAndNormalize(ctx, src)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.block.Append(block.Embedding{
		Vector: vec,
		Source: sourceRefOf(src),
		Meta:   meta,
	})
	if err != nil {
		return 0, err
	}

	if err := e.index.Insert(id, vec); err != nil {
		_ = e.block.Delete(id)
		return 0, err
	}

	if src.Filepath != "" {
		hash := sha256.Sum256([]byte(src.Content))
		if err := e.ledger.Record(src.Filepath, hash, []uint64{id}); err != nil {
			return 0, err
		}
	}

	if err := e.index.Save(e.indexPath); err != nil {
		return 0, err
	}

	e.maybeReblockLocked()
	return id, nil
}

// Reindex splits filepath's current content into Chunks, diffs against the
// Ledger, and embeds only what changed: an unchanged content hash costs one
// hash comparison and zero embedder calls.
func (e *Engine) Reindex(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return verrors.Wrap("Reindex", verrors.Io, err)
	}
	hash := sha256.Sum256(content)

	e.mu.Lock()
	defer e.mu.Unlock()

	diff := e.ledger.Diff(path, hash)
	if diff.Result == ledger.Unchanged {
		return nil
	}

	chunks := e.chunker.Split(string(content))
	newIDs := make([]uint64, 0, len(chunks))
	for _, c := range chunks {
		vec, err := e.embedAndNormalizeLocked(ctx, EmbedSource{
			Filepath:  path,
			Content:   c.Content,
			HasSubset: true,
			Start:     c.Start,
			End:       c.End,
		})
		if err != nil {
			return err
		}
		id, err := e.block.Append(block.Embedding{
			Vector: vec,
			Source: block.SourceRef{Filepath: path, HasSubset: true, Start: c.Start, End: c.End},
		})
		if err != nil {
			return err
		}
		if err := e.index.Insert(id, vec); err != nil {
			_ = e.block.Delete(id)
			return err
		}
		newIDs = append(newIDs, id)
	}

	if diff.Result == ledger.Changed {
		for _, oldID := range diff.OldIDs {
			if err := e.block.Delete(oldID); err != nil {
				return err
			}
			if err := e.index.Remove(oldID); err != nil {
				return err
			}
		}
	}

	if err := e.ledger.Record(path, hash, newIDs); err != nil {
		return err
	}
	if err := e.index.Save(e.indexPath); err != nil {
		return err
	}

	e.maybeReblockLocked()
	return nil
}

// Reblock compacts the Block Store, dropping tombstoned slots, and
// invalidates the cache's block-affine state to match.
func (e *Engine) Reblock() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reblockLocked()
}

func (e *Engine) reblockLocked() error {
	if err := e.block.Reblock(); err != nil {
		return err
	}
	e.cache.RefreshDirectory()
	return nil
}

// maybeReblockLocked triggers a compaction pass once the tombstone ratio
// exceeds the configured threshold, per the Open Question resolution:
// reblock only on explicit request or past the ratio, never eagerly.
func (e *Engine) maybeReblockLocked() {
	ratio, err := e.block.TombstoneRatio()
	if err != nil {
		e.log.Warn("tombstone ratio check failed", "err", err)
		return
	}
	threshold := e.cfg.Reblock.TombstoneRatio
	if threshold <= 0 {
		threshold = 0.25
	}
	if ratio <= threshold {
		return
	}
	e.log.Info("tombstone ratio past threshold, reblocking", "ratio", ratio, "threshold", threshold)
	if err := e.reblockLocked(); err != nil {
		e.log.Warn("auto-reblock failed", "err", err)
	}
}

// Stats reports the engine's current size.
func (e *Engine) Stats() (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ratio, err := e.block.TombstoneRatio()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		EmbeddingCount: e.index.Size(),
		GraphSize:      e.index.Size(),
		CachedVectors:  e.cache.Len(),
		TombstoneRatio: ratio,
	}, nil
}

const embedTimeoutDefault = 30 * time.Second
const embedRetryBackoff = 100 * time.Millisecond

// embedAndNormalize embeds src, retrying once on failure with a fixed
// backoff, then L2-renormalizes the result and rejects a zero vector.
func (e *Engine) embedAndNormalize(ctx context.Context, src EmbedSource) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.embedAndNormalizeLocked(ctx, src)
}

// embedAndNormalizeLocked is embedAndNormalize for callers that already
// hold e.mu (read or write) — used from Reindex, which holds the write
// lock across the whole operation.
func (e *Engine) embedAndNormalizeLocked(ctx context.Context, src EmbedSource) ([]float32, error) {
	timeout := embedTimeoutDefault
	if e.cfg.Embedder.TimeoutMS > 0 {
		timeout = time.Duration(e.cfg.Embedder.TimeoutMS) * time.Millisecond
	}

	vec, err := e.embedOnce(ctx, src, timeout)
	if err != nil {
		time.Sleep(embedRetryBackoff)
		vec, err = e.embedOnce(ctx, src, timeout)
		if err != nil {
			return nil, verrors.Wrap("Embed", verrors.EmbedError, err)
		}
	}

	norm := 0.0
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, verrors.Wrap("Embed", verrors.EmbedError, verrors.ErrZeroNorm)
	}
	out := make([]float32, len(vec))
	for i, x := range vec {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func (e *Engine) embedOnce(ctx context.Context, src EmbedSource, timeout time.Duration) ([]float32, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.embedder.Embed(cctx, src)
}

func sourceRefOf(src EmbedSource) block.SourceRef {
	return block.SourceRef{
		Filepath:  src.Filepath,
		HasSubset: src.HasSubset,
		Start:     src.Start,
		End:       src.End,
	}
}
