// Package server implements the TCP accept loop and per-connection
// RESP command loop described in spec §4.6 / §5.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/cache"
)

// statusInterval is how often the background status reporter logs one
// line per partition, carrying the partition index only; byte
// occupancy is not included (spec.md is silent on this value; it's pure
// observability, not a cache semantic, so it is not configurable).
const statusInterval = 30 * time.Second

// Server owns the listening socket and spawns one goroutine per
// accepted connection — the idiomatic Go equivalent of the source's
// one-pthread-per-connection model, without the hand-rolled thread
// pool bookkeeping.
type Server struct {
	cache *cache.Cache
	log   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server around an already-constructed Cache.
func New(c *cache.Cache, log *zap.Logger) *Server {
	return &Server{cache: c, log: log}
}

// Serve opens addr and accepts connections until ctx is cancelled or
// Close is called. It blocks until the accept loop exits.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		s.log.Info("shutdown requested, closing listener")
		_ = s.Close()
	}()

	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		s.statusLoop(statusCtx)
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				acceptErr = nil
			default:
				if !isClosedError(err) {
					acceptErr = fmt.Errorf("server: accept: %w", err)
					s.log.Error("accept failed", zap.Error(err))
				}
			}
			break
		}

		clientID := conn.RemoteAddr().String()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handleConnection(conn, s.cache, s.log.With(zap.String("client_id", clientID)))
		}()
	}

	s.wg.Wait()
	stopStatus()
	<-statusDone
	return acceptErr
}

// Close shuts down the listening socket, unblocking Accept. Safe to
// call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Addr returns the listener's bound address, useful for tests that
// bind to ":0" and need the actual ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < s.cache.PartitionCount(); i++ {
				s.log.Info("partition status", zap.Int("partition", i))
			}
		}
	}
}

func isClosedError(err error) bool {
	return err != nil && (err == net.ErrClosed || containsUseOfClosedConn(err))
}

func containsUseOfClosedConn(err error) bool {
	const marker = "use of closed network connection"
	msg := err.Error()
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
