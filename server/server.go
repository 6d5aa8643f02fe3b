package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/transport"
)

// Server accepts connections and answers each request with the first
// module that handles it.
type Server struct {
	cfg Config
	log zerolog.Logger

	lastID atomic.Uint64
	wg     sync.WaitGroup

	mu        sync.Mutex
	modules   []Module
	listeners []transport.Listener
	conns     map[uint64]*conn
	closed    bool
	sweeping  bool
	stop      chan struct{}

	// last time a refused connection was logged
	lastOverflow time.Time
}

// New creates a server
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "server").Logger(),
		conns: make(map[uint64]*conn),
		stop:  make(chan struct{}),
	}
}

// Use appends a module to the dispatch chain
func (s *Server) Use(m Module) {
	s.mu.Lock()
	s.modules = append(s.modules, m)
	s.mu.Unlock()
}

// Config returns the configuration with defaults filled in
func (s *Server) Config() Config { return s.cfg }

func (s *Server) Logger() *zerolog.Logger { return &s.log }

// ListenAndServe listens on the TCP address addr and serves it
func (s *Server) ListenAndServe(addr string) error {
	ln, err := transport.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until it or the server is closed.
// It returns nil after Close.
func (s *Server) Serve(ln transport.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.NewInvalidStateError("server is closed")
	}
	s.listeners = append(s.listeners, ln)
	if !s.sweeping {
		s.sweeping = true
		go s.sweepLoop()
	}
	s.mu.Unlock()

	s.log.Info().Stringer("addr", ln.Addr()).Msg("serving")
	for {
		sock, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.IsConnectionClosed(err) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			return err
		}
		s.admit(sock)
	}
}

// admit adds sock to the connection table and starts serving it, or
// refuses it with a 503 when the table is full.
func (s *Server) admit(sock transport.Socket) {
	s.mu.Lock()
	if s.closed || len(s.conns) >= s.cfg.MaxConnections {
		n := len(s.conns)
		logIt := time.Since(s.lastOverflow) > time.Minute
		if logIt {
			s.lastOverflow = time.Now()
		}
		s.mu.Unlock()

		if logIt {
			err := errors.NewAdmissionError(fmt.Sprintf("%d connections open, MaxConnections is %d", n, s.cfg.MaxConnections))
			s.log.Warn().Err(err).Msg("connection refused")
		}
		s.refuse(sock)
		return
	}
	c := newConn(s, sock, s.lastID.Add(1))
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go c.serve()
}

func (s *Server) refuse(sock transport.Socket) {
	resp := protocol.NewResponse(protocol.StatusServiceUnavailable,
		[]byte("The connection cannot be served because the server is at capacity"))
	s.decorate(resp, true)
	if _, err := resp.WriteTo(sock); err != nil {
		s.log.Debug().Err(err).Msg("writing 503 failed")
	}
	sock.Close()
}

// drop removes c from the table and releases its socket
func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.sock.Close()
	s.wg.Done()
}

// dispatch runs the modules in order until one returns a response. The
// close requests of every module consulted are combined.
func (s *Server) dispatch(req *protocol.Request, first bool) (*protocol.Response, bool) {
	s.mu.Lock()
	modules := s.modules
	s.mu.Unlock()

	closeConn := false
	for _, m := range modules {
		resp, c := m.Handle(s, req, first)
		closeConn = closeConn || c
		if resp != nil {
			return resp, closeConn
		}
	}
	return nil, closeConn
}

// decorate fills in the default headers a response does not set itself
func (s *Server) decorate(resp *protocol.Response, closing bool) {
	h := resp.Header()
	if !h.Has(protocol.HeaderDate) {
		h.Set(protocol.HeaderDate, time.Now().UTC().Format(protocol.TimeFormat))
	}
	if !h.Has(protocol.HeaderServer) {
		h.Set(protocol.HeaderServer, s.cfg.ServerName)
	}
	if !h.Has(protocol.HeaderCacheControl) {
		h.Set(protocol.HeaderCacheControl, s.cfg.CacheControl)
	}
	if closing {
		h.Set(protocol.HeaderConnection, "close")
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.Sweep(now)
		case <-s.stop:
			return
		}
	}
}

// Sweep closes connections that are not dispatching a request and have
// been idle for longer than IdleTimeout. It returns how many it closed.
func (s *Server) Sweep(now time.Time) int {
	s.mu.Lock()
	idle := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if !c.sock.Busy() && now.Sub(c.sock.LastActivity()) > s.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		c.log.Debug().Msg("idle timeout, closing connection")
		c.sock.Close()
	}
	return len(idle)
}

// Close stops accepting, closes every connection and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	close(s.stop)
	s.mu.Unlock()

	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range conns {
		c.sock.Close()
	}
	s.wg.Wait()
	s.log.Info().Msg("server closed")
	return firstErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the address of the first active listener, or nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// ConnCount returns the number of connections in the table
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
