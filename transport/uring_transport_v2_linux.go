//go:build linux

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/httpengine/errors"
)

// UringTransportV2 implements Transport and Socket using godzie44/go-uring for async I/O.
// The ring is not safe for concurrent submission, so reads and writes are
// serialized through ringMu; Close only shuts the descriptor down and never
// waits on the ring.
type UringTransportV2 struct {
	socketTags
	ring   *uring.Ring
	ringMu sync.Mutex
	mu     sync.Mutex
	fd     int
	file   *os.File
	local  net.Addr
	remote net.Addr
}

// NewUringTransportV2 creates a new TCP transport with io_uring (v2 using godzie44/go-uring)
func NewUringTransportV2() (*UringTransportV2, error) {
	// Create io_uring instance with queue depth of 32
	ring, err := uring.New(32)
	if err != nil {
		return nil, httperrors.NewTransportError(httperrors.TransportErrorIoUringInit, "failed to initialize io_uring", err)
	}

	return &UringTransportV2{
		ring: ring,
		fd:   -1,
	}, nil
}

// Connect establishes a TCP connection
func (t *UringTransportV2) Connect(host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd >= 0 {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}

	fd, _, tcpAddr, err := dialSocket(host, port)
	if err != nil {
		return err
	}

	// Use blocking connect for now
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP)
		sa = sa6
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to %s", tcpAddr), err)
	}

	t.fd = fd
	t.file = os.NewFile(uintptr(fd), "socket")
	t.local = localAddr(fd)
	t.remote = tcpAddr
	t.touch()
	return nil
}

func (t *UringTransportV2) descriptor() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

// complete queues one operation, submits it and waits for its completion.
func (t *UringTransportV2) complete(op uring.Operation) (int, error) {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()

	if err := t.ring.QueueSQE(op, 0, 0); err != nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorIoUringSubmit, "failed to queue request", err)
	}

	// Submit and wait
	if _, err := t.ring.Submit(); err != nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorIoUringSubmit, "failed to submit request", err)
	}

	// Wait for completion
	cqe, err := t.ring.WaitCQEvents(1)
	if err != nil {
		return 0, err
	}
	defer t.ring.SeenCQE(cqe)

	if err := cqe.Error(); err != nil {
		return 0, err
	}
	return int(cqe.Res), nil
}

// Write sends data over the connection using io_uring
func (t *UringTransportV2) Write(buf []byte) (int, error) {
	file := t.descriptor()
	if file == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		n, err := t.complete(uring.Write(file.Fd(), buf[totalWritten:], 0))
		if err != nil {
			var httpErr *httperrors.HttpError
			if errors.As(err, &httpErr) {
				return totalWritten, err
			}
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
				return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "write on closed connection", err)
			}
			return totalWritten, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "write operation failed", err)
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
func (t *UringTransportV2) Read(buf []byte) (int, error) {
	file := t.descriptor()
	if file == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	n, err := t.complete(uring.Read(file.Fd(), buf, 0))
	if err != nil {
		var httpErr *httperrors.HttpError
		if errors.As(err, &httpErr) {
			return 0, err
		}
		if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EBADF) {
			return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", err)
		}
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "read operation failed", err)
	}

	if n == 0 && len(buf) > 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", nil)
	}

	t.touch()
	return n, nil
}

// Close closes the connection
func (t *UringTransportV2) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd < 0 {
		return nil
	}

	shutdownSocket(t.fd)
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.fd = -1

	return nil
}

// Destroy cleans up resources including the io_uring instance
func (t *UringTransportV2) Destroy() {
	t.Close()
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	if t.ring != nil {
		t.ring.Close()
		t.ring = nil
	}
}

func (t *UringTransportV2) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *UringTransportV2) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}
