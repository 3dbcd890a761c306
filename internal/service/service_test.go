package service

import (
	"context"
	"crypto/sha256"
	"math"
	"net"
	"testing"
	"time"

	"github.com/vectorkv/vectorkv/internal/wire"
	"github.com/vectorkv/vectorkv/pkg/config"
	"github.com/vectorkv/vectorkv/pkg/engine"
)

type stubEmbedder struct{ dim int }

func (s stubEmbedder) Embed(ctx context.Context, src engine.EmbedSource) ([]float32, error) {
	h := sha256.Sum256([]byte(src.Content))
	vec := make([]float32, s.dim)
	var norm float64
	for i := range vec {
		v := float32(h[i%len(h)]) + 1
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

type wholeFileChunker struct{}

func (wholeFileChunker) Split(content string) []engine.Chunk {
	if content == "" {
		return nil
	}
	return []engine.Chunk{{Start: 0, End: uint64(len(content)), Content: content}}
}

func startTestServer(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Dimension = 8
	cfg.BlockCapacity = 4
	cfg.M = 4
	cfg.EfConstruction = 16
	cfg.EfSearch = 16

	eng, err := engine.Open(cfg, stubEmbedder{dim: 8}, wholeFileChunker{}, nil)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	srv := New(addr, eng, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		go func() {
			for i := 0; i < 50; i++ {
				if c, err := net.Dial("tcp", addr); err == nil {
					c.Close()
					close(ready)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			close(ready)
		}()
		_ = srv.ListenAndServe(ctx)
	}()
	<-ready
	return addr
}

func dialAndRoundTrip(t *testing.T, addr string, req wire.Request) wire.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	return resp
}

func TestAddThenQueryOverTheWire(t *testing.T) {
	addr := startTestServer(t)

	addBody, err := wire.EncodeAddBody(wire.AddBody{Content: "the quick brown fox"})
	if err != nil {
		t.Fatalf("EncodeAddBody: %v", err)
	}
	addResp := dialAndRoundTrip(t, addr, wire.Request{Method: wire.MethodAdd, Body: addBody})
	if addResp.Error != "" {
		t.Fatalf("add error: %s", addResp.Error)
	}

	queryBody, err := wire.EncodeQueryBody(wire.QueryBody{Text: "the quick brown fox", K: 1})
	if err != nil {
		t.Fatalf("EncodeQueryBody: %v", err)
	}
	queryResp := dialAndRoundTrip(t, addr, wire.Request{Method: wire.MethodQuery, Body: queryBody})
	if queryResp.Error != "" {
		t.Fatalf("query error: %s", queryResp.Error)
	}
	if len(queryResp.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(queryResp.Results))
	}
	if queryResp.Results[0].Score < 0.99 {
		t.Errorf("self-query score = %v, want >= 0.99", queryResp.Results[0].Score)
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	addr := startTestServer(t)
	resp := dialAndRoundTrip(t, addr, wire.Request{Method: "bogus"})
	if resp.Error == "" {
		t.Fatalf("expected error for unknown method")
	}
}

func TestStatsReflectsAddedDocuments(t *testing.T) {
	addr := startTestServer(t)

	addBody, err := wire.EncodeAddBody(wire.AddBody{Content: "the quick brown fox"})
	if err != nil {
		t.Fatalf("EncodeAddBody: %v", err)
	}
	if resp := dialAndRoundTrip(t, addr, wire.Request{Method: wire.MethodAdd, Body: addBody}); resp.Error != "" {
		t.Fatalf("add error: %s", resp.Error)
	}

	statsResp := dialAndRoundTrip(t, addr, wire.Request{Method: wire.MethodStats})
	if statsResp.Error != "" {
		t.Fatalf("stats error: %s", statsResp.Error)
	}
	if statsResp.Stats == nil {
		t.Fatalf("expected Stats to be populated")
	}
	if statsResp.Stats.GraphSize != 1 {
		t.Errorf("GraphSize = %d, want 1", statsResp.Stats.GraphSize)
	}
}
