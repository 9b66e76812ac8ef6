// Package gateway serves live RSI results to websocket subscribers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"rsi-stream/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// ServerOptions configures a Server.
type ServerOptions struct {
	WriteTimeout time.Duration
	Health       *metrics.HealthStatus
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

// Server is the live endpoint: /ws, /healthz and /metrics.
type Server struct {
	hub  *Hub
	opts ServerOptions
	log  *slog.Logger
	srv  *http.Server

	// closed on shutdown so hijacked websocket sessions end too
	done     chan struct{}
	doneOnce sync.Once
	sessions sync.WaitGroup
}

// NewServer creates a server for hub listening on addr.
func NewServer(addr string, hub *Hub, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Health == nil {
		opts.Health = metrics.NewHealthStatus()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		hub:  hub,
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/healthz", s.opts.Health)
	mux.Handle("/metrics", metrics.Handler(s.opts.Gatherer))
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Warn("ws upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess := NewSession(conn, s.hub, s.opts.WriteTimeout, s.log)
	s.log.Info("ws subscriber connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("subscribers", s.hub.Count()))
	sess.Serve(ctx)
}

// Run serves until ctx is cancelled, then shuts down and waits for open
// sessions to finish.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("live endpoint listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.sessions.Wait()
	s.log.Info("live endpoint stopped")
	return nil
}

// Close ends all websocket sessions without stopping the listener.
func (s *Server) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}
