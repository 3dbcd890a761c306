// Package service runs the connection-per-request length-prefixed TCP
// front end: a fresh worker is spawned per accepted connection, reads one
// request, dispatches it to the Engine, writes one response, and closes.
package service

import (
	"context"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vectorkv/vectorkv/internal/wire"
	"github.com/vectorkv/vectorkv/pkg/engine"
	"github.com/vectorkv/vectorkv/pkg/logging"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// Server listens on a TCP address and dispatches framed requests to an
// Engine, bounding concurrent in-flight connections so a connection storm
// cannot starve the Engine's writer.
type Server struct {
	addr   string
	engine *engine.Engine
	log    logging.Logger
	sem    *semaphore.Weighted
}

// New creates a Server. maxConnections bounds the number of requests
// handled concurrently; additional connections queue at accept time.
func New(addr string, eng *engine.Engine, maxConnections int, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	if maxConnections <= 0 {
		maxConnections = 64
	}
	return &Server{
		addr:   addr,
		engine: eng,
		log:    log,
		sem:    semaphore.NewWeighted(int64(maxConnections)),
	}
}

// ListenAndServe binds addr and serves connections until ctx is canceled
// or the accept loop hits a fatal error. It returns the first fatal error
// from either the accept loop or a worker, via errgroup.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return verrors.Wrap("ListenAndServe", verrors.Io, err)
	}
	defer lis.Close()

	s.log.Info("listening", "addr", s.addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				return verrors.Wrap("ListenAndServe", verrors.Io, err)
			}
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return g.Wait()
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

// handleConn reads exactly one request from conn, dispatches it, and
// writes exactly one response, regardless of outcome: a failed request
// produces an error Response, never a dropped connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqID := uuid.New().String()
	log := s.log.With("request_id", reqID)

	req, err := wire.ReadRequest(conn)
	if err != nil {
		log.Warn("failed to read request", "err", err)
		if werr := wire.WriteResponse(conn, wire.Response{Error: err.Error()}); werr != nil {
			log.Warn("failed to write response", "err", werr)
		}
		return
	}

	resp := s.dispatch(ctx, log, req)
	if err := wire.WriteResponse(conn, resp); err != nil {
		log.Warn("failed to write response", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, log logging.Logger, req wire.Request) wire.Response {
	switch req.Method {
	case wire.MethodQuery:
		return s.handleQuery(ctx, log, req)
	case wire.MethodAdd:
		return s.handleAdd(ctx, log, req)
	case wire.MethodReindex:
		return s.handleReindex(ctx, log, req)
	case wire.MethodStats:
		return s.handleStats(ctx, log, req)
	default:
		return wire.Response{Error: "unknown method: " + string(req.Method)}
	}
}

func (s *Server) handleQuery(ctx context.Context, log logging.Logger, req wire.Request) wire.Response {
	body, err := wire.DecodeQueryBody(req.Body)
	if err != nil {
		return wire.Response{Error: err.Error()}
	}

	results, err := s.engine.Query(ctx, body.Text, body.Filters, int(body.K))
	if err != nil {
		log.Warn("query failed", "err", err)
		return wire.Response{Error: err.Error()}
	}

	wireResults := make([]wire.Result, 0, len(results))
	for _, r := range results {
		sr := wire.SourceRef{Filepath: r.Source.Filepath}
		if r.Source.HasSubset {
			sr.Subset = &[2]uint64{r.Source.Start, r.Source.End}
		}
		wireResults = append(wireResults, wire.Result{Source: sr, Score: r.Score})
	}
	return wire.Response{Results: wireResults}
}

func (s *Server) handleAdd(ctx context.Context, log logging.Logger, req wire.Request) wire.Response {
	body, err := wire.DecodeAddBody(req.Body)
	if err != nil {
		return wire.Response{Error: err.Error()}
	}

	src := engine.EmbedSource{Filepath: body.Filepath, Content: body.Content}
	if _, err := s.engine.Add(ctx, src, nil); err != nil {
		log.Warn("add failed", "err", err)
		return wire.Response{Error: err.Error()}
	}
	return wire.Response{}
}

func (s *Server) handleReindex(ctx context.Context, log logging.Logger, req wire.Request) wire.Response {
	body, err := wire.DecodeReindexBody(req.Body)
	if err != nil {
		return wire.Response{Error: err.Error()}
	}

	if err := s.engine.Reindex(ctx, body.Filepath); err != nil {
		log.Warn("reindex failed", "err", err)
		return wire.Response{Error: err.Error()}
	}
	return wire.Response{}
}

func (s *Server) handleStats(ctx context.Context, log logging.Logger, req wire.Request) wire.Response {
	stats, err := s.engine.Stats()
	if err != nil {
		log.Warn("stats failed", "err", err)
		return wire.Response{Error: err.Error()}
	}
	return wire.Response{Stats: &wire.StatsResult{
		EmbeddingCount: stats.EmbeddingCount,
		GraphSize:      stats.GraphSize,
		CachedVectors:  stats.CachedVectors,
		TombstoneRatio: stats.TombstoneRatio,
	}}
}
