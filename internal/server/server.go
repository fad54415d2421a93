// Package server publishes scan results over HTTP.
//
// A Server is bound to one repository and branch at construction. Each
// request to the bundle endpoints rescans the repository unless the server
// runs in watch mode, where a snapshot refreshed by Refresh is served and
// every new tabular bundle is pushed to websocket clients on /ws.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/conneroisu/xfailflake/internal/format"
	"github.com/conneroisu/xfailflake/internal/logging"
	"github.com/conneroisu/xfailflake/internal/scanner"
	"github.com/conneroisu/xfailflake/internal/types"
)

const shutdownTimeout = 5 * time.Second

// Source produces a fresh scan of the repository the server is bound to.
type Source interface {
	Scan(ctx context.Context) (*scanner.Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*scanner.Result, error)

func (f SourceFunc) Scan(ctx context.Context) (*scanner.Result, error) {
	return f(ctx)
}

// Options configure a Server.
type Options struct {
	Host          string
	Port          int
	MaxConcurrent int
	Watch         bool
	Repo          string
	Branch        string
	Schema        types.SchemaVersion
}

// Server serves bundles for a single repository.
type Server struct {
	opts   Options
	source Source
	logger logging.Logger
	hub    *Hub

	// scanMu serializes scans so one request is handled at a time.
	scanMu sync.Mutex

	snapshotMu sync.RWMutex
	snapshot   *scanner.Result

	serverMutex  sync.Mutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New creates a server bound to source.
func New(opts Options, source Source, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	logger = logger.WithComponent("server").With("repo", opts.Repo, "branch", opts.Branch)
	return &Server{
		opts:   opts,
		source: source,
		logger: logger,
		hub:    newHub(logger),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleTabular)
	mux.HandleFunc("/default", s.handleDefault)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Watch {
		mux.HandleFunc("/ws", s.handleWebSocket)
	}
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. Without watch mode the listener
// accepts at most MaxConcurrent connections and keep-alives are disabled,
// so a single client cannot hold the only slot.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.Watch {
		go s.hub.run(ctx)
		if err := s.Refresh(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	} else {
		ln = netutil.LimitListener(ln, s.opts.MaxConcurrent)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.opts.Watch {
		httpServer.SetKeepAlivesEnabled(false)
	}

	s.serverMutex.Lock()
	s.httpServer = httpServer
	s.serverMutex.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, err, "Server shutdown incomplete")
		}
	}()

	s.logger.Info(ctx, "Serving xfailflakes", "addr", ln.Addr().String(), "watch", s.opts.Watch)
	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.serverMutex.Lock()
		httpServer := s.httpServer
		s.serverMutex.Unlock()

		if httpServer != nil {
			shutdownErr = httpServer.Shutdown(ctx)
		}
	})
	return shutdownErr
}

// Refresh rescans the repository, stores the snapshot and pushes the new
// tabular bundle to websocket clients.
func (s *Server) Refresh(ctx context.Context) error {
	result, err := s.scan(ctx)
	if err != nil {
		return err
	}

	s.snapshotMu.Lock()
	s.snapshot = result
	s.snapshotMu.Unlock()

	message, err := s.encode(format.Tabular(result.Records, s.opts.Schema))
	if err != nil {
		return err
	}
	s.hub.Broadcast(ctx, message)
	s.logger.Debug(ctx, "Snapshot refreshed", "records", len(result.Records), "clients", s.hub.Count())
	return nil
}

// Snapshot returns the last refreshed result, or nil.
func (s *Server) Snapshot() *scanner.Result {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	return s.snapshot
}

func (s *Server) scan(ctx context.Context) (*scanner.Result, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.source.Scan(ctx)
}

// current returns the records to serve for one request.
func (s *Server) current(ctx context.Context) ([]types.AnnotationRecord, error) {
	if s.opts.Watch {
		if snap := s.Snapshot(); snap != nil {
			return snap.Records, nil
		}
	}
	result, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (s *Server) encode(bundle interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := format.Encode(&buf, bundle, format.EncodingJSON); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
