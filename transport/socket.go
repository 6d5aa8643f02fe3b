package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	httperrors "github.com/nczempin/httpengine/errors"
)

// socketTags carries the activity timestamp and busy tag of a Socket.
type socketTags struct {
	lastSeen atomic.Int64
	busy     atomic.Bool
}

func (s *socketTags) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *socketTags) LastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *socketTags) Busy() bool        { return s.busy.Load() }
func (s *socketTags) SetBusy(busy bool) { s.busy.Store(busy) }

// netSocket is the state shared by the net.Conn based transports.
type netSocket struct {
	socketTags
	mu   sync.Mutex
	conn net.Conn
}

func (s *netSocket) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.touch()
}

func (s *netSocket) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Write sends data over the connection
func (s *netSocket) Write(buf []byte) (int, error) {
	conn := s.current()
	if conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	n, err := conn.Write(buf)
	if err != nil {
		// Check for broken pipe, connection reset or a local close
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
			return n, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "write on closed connection", err)
		}
		return n, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "write failed", err)
	}

	s.touch()
	return n, nil
}

// Read receives data from the connection
func (s *netSocket) Read(buf []byte) (int, error) {
	conn := s.current()
	if conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || (n == 0 && len(buf) > 0) {
			return n, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", err)
		}
		return n, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "read failed", err)
	}

	s.touch()
	return n, nil
}

// Close closes the connection
func (s *netSocket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil // Idempotent close
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "failed to close socket", err)
	}

	return nil
}

// LocalAddr returns the local endpoint, or nil once closed
func (s *netSocket) LocalAddr() net.Addr {
	if conn := s.current(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer endpoint, or nil once closed
func (s *netSocket) RemoteAddr() net.Addr {
	if conn := s.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}
