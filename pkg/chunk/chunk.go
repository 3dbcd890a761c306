// Package chunk provides the default Chunker: a byte-window splitter that
// breaks a source file into overlapping, paragraph-aligned subsets for
// independent embedding. It implements pkg/engine.Chunker.
package chunk

import (
	"strings"

	"github.com/vectorkv/vectorkv/pkg/engine"
)

// Chunk is one logical subset of a source file: its byte range and content.
type Chunk = engine.Chunk

// Splitter splits file content into Chunks by byte window, preferring to
// break on blank-line paragraph boundaries near the window edge so a chunk
// rarely cuts through the middle of a paragraph.
type Splitter struct {
	// WindowSize is the target chunk size in bytes.
	WindowSize int
	// Overlap is how many trailing bytes of one chunk are repeated at the
	// start of the next, so a boundary-straddling passage is embedded
	// whole at least once.
	Overlap int
}

// DefaultSplitter returns a Splitter tuned for short text passages: ~2KB
// windows with a 10% overlap.
func DefaultSplitter() Splitter {
	return Splitter{WindowSize: 2048, Overlap: 200}
}

// Split implements pkg/engine.Chunker. A file under WindowSize bytes
// produces a single whole-file Chunk.
func (s Splitter) Split(content string) []Chunk {
	if s.WindowSize <= 0 {
		s.WindowSize = 2048
	}
	if s.Overlap < 0 || s.Overlap >= s.WindowSize {
		s.Overlap = 0
	}

	if len(content) <= s.WindowSize {
		if content == "" {
			return nil
		}
		return []Chunk{{Start: 0, End: uint64(len(content)), Content: content}}
	}

	var chunks []Chunk
	start := 0
	for start < len(content) {
		end := start + s.WindowSize
		if end >= len(content) {
			end = len(content)
		} else if brk := lastParagraphBreak(content, start, end); brk > start {
			end = brk
		}

		chunks = append(chunks, Chunk{
			Start:   uint64(start),
			End:     uint64(end),
			Content: content[start:end],
		})

		if end == len(content) {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// lastParagraphBreak looks backward from end for a blank-line boundary
// ("\n\n") within [start, end), returning the offset just past it, or start
// if none is found.
func lastParagraphBreak(content string, start, end int) int {
	window := content[start:end]
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return start + idx + 2
	}
	return start
}
