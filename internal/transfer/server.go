package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/ledger"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds the tunables of the upload server.
type ServerConfig struct {
	// IdleTimeout closes silent connections and evicts idle records.
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	// ProgressInterval throttles server-pushed progress messages. Zero
	// disables them.
	ProgressInterval  time.Duration
	SpeedWindow       time.Duration
	MinSampleInterval time.Duration
	WriteTimeout      time.Duration
}

// Server accepts upload connections and commits chunks to a ledger.
type Server struct {
	ledger *ledger.Ledger
	cfg    ServerConfig
	logger logrus.FieldLogger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*channel.Conn
	wg    sync.WaitGroup
}

// NewServer creates a Server over l.
func NewServer(l *ledger.Ledger, cfg ServerConfig, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		ledger: l,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		conns:  make(map[string]*channel.Conn),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start upload listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("Upload server listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if s.cfg.EvictionInterval > 0 && s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.evictionLoop(ctx)
		}()
	}

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept failed: %w", err)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	cancel()
	s.closeAll()
	s.wg.Wait()
	s.logger.Info("Upload server stopped")
	return acceptErr
}

func (s *Server) evictionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.ledger.EvictStale(s.cfg.IdleTimeout); len(evicted) > 0 {
				s.logger.WithFields(logrus.Fields{
					"evicted": len(evicted),
					"active":  s.ledger.Len(),
				}).Debug("Eviction pass finished")
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	connID := uuid.NewString()
	conn := channel.NewConn(netConn)

	s.mu.Lock()
	if ctx.Err() != nil {
		// Accepted just before shutdown; closeAll has already run.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[connID] = conn
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	h := &connHandler{
		srv:  s,
		conn: conn,
		logger: s.logger.WithFields(logrus.Fields{
			"conn_id": connID,
			"remote":  conn.RemoteAddr().String(),
		}),
	}
	h.serve(ctx)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}
