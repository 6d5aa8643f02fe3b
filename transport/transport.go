package transport

import (
	"net"
	"time"
)

// Transport defines the interface for outbound network transports.
// Implementations include TCP and Unix domain sockets, plus io_uring variants on Linux.
type Transport interface {
	// Connect establishes a connection to the specified host and port.
	// For Unix sockets, the host parameter is the socket path and port is ignored.
	Connect(host string, port int) error

	// Write sends data over the connection.
	// Returns the number of bytes written.
	Write(buf []byte) (int, error)

	// Read receives data from the connection.
	// Returns the number of bytes read. A peer close is reported as a
	// ConnectionClosed transport error rather than a zero count.
	Read(buf []byte) (int, error)

	// Close closes the connection. Any Read or Write blocked on the
	// connection fails once Close returns.
	Close() error
}

// Socket is a connected byte stream as seen by the server: an accepted
// connection plus the bookkeeping the idle sweep needs.
type Socket interface {
	Write(buf []byte) (int, error)
	Read(buf []byte) (int, error)
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// LastActivity is the time of the last completed Read or Write.
	LastActivity() time.Time

	// Busy is an opaque tag owned by the server: set while a request is
	// being dispatched so the idle sweep leaves the socket alone.
	Busy() bool
	SetBusy(busy bool)
}

// Listener accepts inbound Sockets.
type Listener interface {
	Accept() (Socket, error)
	Addr() net.Addr
	Close() error
}

// Port extracts the port number from a TCP address, or 0.
func Port(addr net.Addr) int {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}
