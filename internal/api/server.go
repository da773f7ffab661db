package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/flow"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, host:port.
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server exposes the chat endpoints and lead administration over HTTP.
type Server struct {
	engine *flow.Engine
	store  store.Store
	addr   string
	httpd  *http.Server
}

// NewServer creates an API server around the engine and lead store.
func NewServer(engine *flow.Engine, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("Server.NewServer: creating API server", "addr", cfg.Addr)
	return &Server{engine: engine, store: st, addr: cfg.Addr}
}

// Handler returns the route table, also used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/start", s.chatStartHandler)
	mux.HandleFunc("/chat/message", s.chatMessageHandler)
	mux.HandleFunc("/leads", s.leadsHandler)
	mux.HandleFunc("/leads/", s.leadHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpd = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- s.httpd.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(shutdownCtx)
	}
}
