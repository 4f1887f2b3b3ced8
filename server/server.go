package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chazu/cloudstate/bridge"
)

// Server serves script routes, the status endpoint and the admin service
// on one port. HTTP/1.1 and cleartext HTTP/2 are both accepted, so the
// admin service also speaks gRPC.
type Server struct {
	reloader   *Reloader
	pool       *WorkerPool
	dispatcher *Dispatcher
	admin      *AdminService
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers   int
	timeout   time.Duration
	bodyLimit int64
}

// WithWorkers sets the number of concurrent script invocations. Zero or
// less means one per CPU.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithTimeout sets the wall-clock limit of one invocation.
func WithTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.timeout = d }
}

// WithBodyLimit caps request bodies at n bytes. Zero disables the limit.
func WithBodyLimit(n int64) ServerOption {
	return func(c *serverConfig) { c.bodyLimit = n }
}

// New creates a Server dispatching to the state held by reloader's slot
// and persisting through b.
func New(reloader *Reloader, b *bridge.Bridge, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	pool := NewWorkerPool(cfg.workers)
	s := &Server{
		reloader:   reloader,
		pool:       pool,
		dispatcher: NewDispatcher(reloader.Slot(), b, pool, cfg.timeout, cfg.bodyLimit),
		admin:      NewAdminService(reloader, b),
		mux:        http.NewServeMux(),
	}

	adminPath, adminHandler := s.admin.Handler()
	s.mux.Handle(adminPath, adminHandler)
	s.mux.Handle("/", s.dispatcher)
	return s
}

// Handler returns the root handler, with h2c upgrade support.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until ctx is cancelled or the listener fails. On cancellation in-flight
// requests are given shutdownGrace to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

const shutdownGrace = 10 * time.Second

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Noticef("listening on %s", ln.Addr())
	log.Infof("  status: http://%s%s", ln.Addr(), StatusPath)
	log.Infof("  admin:  http://%s/%s/", ln.Addr(), AdminServiceName)

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		<-errc
		return err
	}
}

// Stop shuts down the worker pool. Call after Serve returns.
func (s *Server) Stop() {
	s.pool.Stop()
}
