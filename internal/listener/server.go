// Package listener terminates listener gateway connections and feeds their
// framed reports to the ingest queue.
package listener

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"c3loc/go-ingest-server/internal/ingest"
	"c3loc/go-ingest-server/internal/stats"
)

const readBufferSize = 4096

// Enqueuer accepts routed packets without blocking.
type Enqueuer interface {
	Submit(ingest.Packet) error
}

// Server accepts listener connections and runs one Session per connection.
type Server struct {
	logger   *slog.Logger
	queue    Enqueuer
	sink     stats.Sink
	maxFrame int

	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
}

// New constructs a server. maxFrame bounds a single frame; zero selects the frame default.
func New(queue Enqueuer, maxFrame int, sink stats.Sink, logger *slog.Logger) *Server {
	if sink == nil {
		sink = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger.With("component", "listener"),
		queue:    queue,
		sink:     sink,
		maxFrame: maxFrame,
		sessions: make(map[*Session]struct{}),
	}
}

// Start begins accepting connections on bind.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (s *Server) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listener listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	s.logger.Info("accepting listener connections", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.shuttingDown.Load() {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					s.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("listener accept: %w", err)
				return
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(conn)
			}()
		}
	}()

	return errCh, nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listening socket and every open session, then waits for
// their goroutines.
func (s *Server) Stop() error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Sessions is the number of open connections.
func (s *Server) Sessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// Peers snapshots the connected sessions ordered by peer address.
func (s *Server) Peers() []SessionInfo {
	s.sessionsMu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.sessionsMu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.Peer, b.Peer) })
	return out
}

// ServeConn runs a session on conn until the peer disconnects or violates the
// protocol. It closes conn before returning.
func (s *Server) ServeConn(conn net.Conn) {
	sess := newSession(conn, s.maxFrame, s.queue, s.sink, s.logger)
	if !s.addSession(sess) {
		_ = conn.Close()
		return
	}
	s.sink.Add("Listener Connections", 1)
	s.logger.Info("listener connected", "peer", sess.peer)

	defer func() {
		sess.close()
		s.removeSession(sess)
		s.sink.Add("Listener Connections", -1)
		s.logger.Info("listener disconnected", "peer", sess.peer, "listener", sess.ListenerID())
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := s.safeFeed(sess, buf[:n]); ferr != nil {
				s.logger.Warn("dropping listener connection", "peer", sess.peer, "listener", sess.ListenerID(), "error", ferr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("listener read error", "peer", sess.peer, "error", err)
			}
			return
		}
	}
}

func (s *Server) safeFeed(sess *Session, chunk []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sess.feed(chunk)
}

func (s *Server) addSession(sess *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}
