package chunk

import "testing"

func TestSplitShortFileIsOneChunk(t *testing.T) {
	s := DefaultSplitter()
	chunks := s.Split("hello world")
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Content != "hello world" {
		t.Errorf("Content = %q", chunks[0].Content)
	}
}

func TestSplitEmptyFileIsNoChunks(t *testing.T) {
	s := DefaultSplitter()
	if chunks := s.Split(""); len(chunks) != 0 {
		t.Errorf("Split(\"\") = %d chunks, want 0", len(chunks))
	}
}

func TestSplitLongFileProducesOverlappingWindows(t *testing.T) {
	s := Splitter{WindowSize: 100, Overlap: 20}
	content := strRepeat("a", 250)
	chunks := s.Split(content)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start >= chunks[i-1].End {
			t.Errorf("chunk %d starts at %d, want overlap with previous end %d", i, chunks[i].Start, chunks[i-1].End)
		}
	}
	if chunks[len(chunks)-1].End != uint64(len(content)) {
		t.Errorf("last chunk end = %d, want %d", chunks[len(chunks)-1].End, len(content))
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	s := Splitter{WindowSize: 20, Overlap: 0}
	content := "short first para.\n\nthis is a much longer second paragraph that exceeds the window"
	chunks := s.Split(content)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	if chunks[0].Content != "short first para.\n\n" {
		t.Errorf("first chunk = %q, want break at blank line", chunks[0].Content)
	}
}

func strRepeat(s string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, s...)
	}
	return string(out[:n])
}
