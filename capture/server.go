package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Server accepts connections and hands each one to a Handler.
//
// In the default sequential mode the next Accept only happens once the
// current connection is fully handled, so connections are served strictly in
// arrival order and one stuck peer stalls the server. Concurrent mode runs
// one goroutine per connection, capped by Config.MaxConns.
type Server struct {
	cfg     *Config
	handler *Handler
	logger  *slog.Logger

	mu   sync.Mutex
	addr net.Addr
	wg   sync.WaitGroup
}

// NewServer creates a server for cfg using h.
func NewServer(cfg *Config, h *Handler) *Server {
	return &Server{cfg: cfg, handler: h, logger: h.Logger}
}

// Addr returns the bound address once Serve has started, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe binds Config.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then closes ln, waits for in-flight
// connections and returns nil. A connection being handled when ctx ends
// completes normally: handlers run on a context that is never canceled.
//
// A peer that never closes its write side keeps its handler reading, and
// Serve does not return until it does. Config.ReadTimeout (read_timeout)
// bounds that wait; the default of 0 waits forever.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.Concurrent && s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("server running", "addr", ln.Addr().String(),
		"concurrent", s.cfg.Concurrent, "naming", s.cfg.Naming)

	connCtx := context.WithoutCancel(ctx)
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("server stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return fmt.Errorf("accept: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			s.logger.Warn("accept failed, retrying", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		if !s.cfg.Concurrent {
			s.handler.HandleConn(connCtx, conn)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.HandleConn(connCtx, conn)
		}()
	}
}
