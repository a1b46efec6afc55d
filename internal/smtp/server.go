// Package smtp is the protocol driver for the policy engine: a minimal
// SMTP dialogue that runs the five policy phases at their protocol
// points and maps check dispositions onto wire replies. It is not a full
// RFC 5321 implementation; there is no queueing and no delivery.
package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/datasource"
	"github.com/guardpost/guardpost/internal/metrics"
	"github.com/guardpost/guardpost/internal/policy"
	"github.com/guardpost/guardpost/internal/proxyproto"
)

// Server accepts connections and hands each one to a Session. Each
// connection is an independent unit of work on its own goroutine; the
// only state shared between connections is the read-only configuration
// and the process-wide DNS client inside the checks.
type Server struct {
	config   *config.Config
	engine   *policy.Engine
	rewriter *proxyproto.Rewriter
	auth     *AuthHandler
	logger   *slog.Logger

	listener net.Listener
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu      sync.Mutex
	active  int
	closing bool
}

// NewServer wires the engine and its collaborators into a listener-less
// server; call Start to begin serving.
func NewServer(cfg *config.Config, engine *policy.Engine, rewriter *proxyproto.Rewriter, users datasource.DataSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var auth *AuthHandler
	if cfg.Auth.Enabled && users != nil {
		auth = NewAuthHandler(users, logger)
	}
	return &Server{
		config:   cfg,
		engine:   engine,
		rewriter: rewriter,
		auth:     auth,
		logger:   logger.With("component", "smtp-server"),
		sem:      semaphore.NewWeighted(int64(cfg.Server.MaxConnections)),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("listening", "addr", ln.Addr().String(), "hostname", s.config.Server.Hostname)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if !s.sem.TryAcquire(1) {
			// Connection cap reached; shed load with a temporary
			// failure rather than queueing accepts.
			s.logger.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Write([]byte("421 4.3.2 too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		s.trackActive(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.trackActive(-1)
			sess := NewSession(c, s.config, s.engine, s.rewriter, s.auth, s.logger)
			sess.Handle(ctx)
		}(conn)
	}

	s.wg.Wait()
	return nil
}

// ActiveConnections returns the number of sessions currently running.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) trackActive(delta int) {
	s.mu.Lock()
	s.active += delta
	s.mu.Unlock()
	if delta > 0 {
		metrics.Get().ConnectionsTotal.Inc()
		metrics.Get().ConnectionsActive.Inc()
	} else {
		metrics.Get().ConnectionsActive.Dec()
	}
}
