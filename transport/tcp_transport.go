package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	httperrors "github.com/nczempin/httpengine/errors"
)

// TcpTransport implements the Transport and Socket interfaces using TCP sockets
type TcpTransport struct {
	netSocket
}

// NewTcpTransport creates a new, unconnected TcpTransport instance
func NewTcpTransport() *TcpTransport {
	return &TcpTransport{}
}

// NewTcpSocket wraps an already established connection, typically one
// returned by a listener.
func NewTcpSocket(conn net.Conn) *TcpTransport {
	t := &TcpTransport{}
	t.attach(conn)
	return t
}

// Connect establishes a TCP connection to the specified host and port
func (t *TcpTransport) Connect(host string, port int) error {
	if t.current() != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		// Classify network errors using type assertions
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			// Check for DNS resolution failures
			var dnsErr *net.DNSError
			if errors.As(opErr.Err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTemporary) {
				return httperrors.NewTransportError(httperrors.TransportErrorDnsFailure, fmt.Sprintf("failed to resolve %s", host), err)
			}
			// Check for connection refused via syscall error
			if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
				return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("connection to %s refused", addr), err)
			}
		}
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to %s", addr), err)
	}

	// Set TCP_NODELAY to disable Nagle's algorithm for lower latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
		}
	}

	t.attach(conn)
	return nil
}
