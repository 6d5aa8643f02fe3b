//go:build linux

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/httpengine/errors"
)

// UringTransport implements Transport and Socket using io_uring for async I/O
type UringTransport struct {
	socketTags
	iour   *iouring.IOURing
	mu     sync.Mutex
	fd     int
	closed bool
	local  net.Addr
	remote net.Addr
}

// NewUringTransport creates a new TCP transport with io_uring
func NewUringTransport() (*UringTransport, error) {
	// Create io_uring instance with queue depth of 32
	iour, err := iouring.New(32)
	if err != nil {
		return nil, httperrors.NewTransportError(httperrors.TransportErrorIoUringInit, "failed to initialize io_uring", err)
	}

	return &UringTransport{
		iour: iour,
		fd:   -1,
	}, nil
}

// Connect establishes a TCP connection using io_uring
func (t *UringTransport) Connect(host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd >= 0 {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}

	fd, sa, tcpAddr, err := dialSocket(host, port)
	if err != nil {
		return err
	}

	// Set socket to non-blocking mode for io_uring
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to set non-blocking mode", err)
	}

	// Submit connect operation via io_uring
	prep, err := iouring.Connect(fd, sa)
	if err != nil {
		unix.Close(fd)
		return httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to prepare connect", err)
	}
	ch := make(chan iouring.Result, 1)
	if _, err := t.iour.SubmitRequest(prep, ch); err != nil {
		unix.Close(fd)
		return httperrors.NewTransportError(httperrors.TransportErrorIoUringSubmit, "failed to submit connect request", err)
	}

	// Wait for connect to complete; connect completions carry only an error
	result := <-ch
	if err := result.Err(); err != nil {
		unix.Close(fd)
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to %s", tcpAddr), err)
	}

	t.fd = fd
	t.closed = false
	t.local = localAddr(fd)
	t.remote = tcpAddr
	t.touch()
	return nil
}

func (t *UringTransport) descriptor() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fd, t.closed
}

// Write sends data over the connection using io_uring
func (t *UringTransport) Write(buf []byte) (int, error) {
	fd, closed := t.descriptor()
	if closed {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if fd < 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		ch := make(chan iouring.Result, 1)
		if _, err := t.iour.SubmitRequest(iouring.Send(fd, buf[totalWritten:], 0), ch); err != nil {
			return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorIoUringSubmit, "failed to submit write request", err)
		}

		result := <-ch
		n, err := result.ReturnInt()
		if err != nil {
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
				return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "write on closed connection", err)
			}
			return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "write failed", err)
		}

		if n <= 0 {
			return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed during write", nil)
		}

		totalWritten += n
	}

	t.touch()
	return totalWritten, nil
}

// Read receives data from the connection using io_uring
func (t *UringTransport) Read(buf []byte) (int, error) {
	fd, closed := t.descriptor()
	if closed {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if fd < 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	ch := make(chan iouring.Result, 1)
	if _, err := t.iour.SubmitRequest(iouring.Recv(fd, buf, 0), ch); err != nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorIoUringSubmit, "failed to submit read request", err)
	}

	result := <-ch
	n, err := result.ReturnInt()
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) {
			return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection reset by peer", err)
		}
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "read failed", err)
	}

	if n == 0 && len(buf) > 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", nil)
	}

	t.touch()
	return n, nil
}

// Close closes the connection
func (t *UringTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd < 0 || t.closed {
		return nil // Already closed or never connected
	}

	t.closed = true
	shutdownSocket(t.fd)
	if err := unix.Close(t.fd); err != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "failed to close socket", err)
	}
	t.fd = -1
	return nil
}

// Destroy cleans up resources including the io_uring instance
func (t *UringTransport) Destroy() {
	t.Close()
	if t.iour != nil {
		t.iour.Close()
		t.iour = nil
	}
}

func (t *UringTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *UringTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}
