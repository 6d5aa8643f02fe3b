package transport

import (
	"fmt"
	"net"

	httperrors "github.com/nczempin/httpengine/errors"
)

// UnixTransport implements the Transport and Socket interfaces using Unix domain sockets
type UnixTransport struct {
	netSocket
}

// NewUnixTransport creates a new UnixTransport instance
func NewUnixTransport() *UnixTransport {
	return &UnixTransport{}
}

// Connect establishes a Unix domain socket connection to the specified path.
// The port parameter is ignored for Unix sockets.
func (t *UnixTransport) Connect(path string, port int) error {
	if t.current() != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to unix socket %s", path), err)
	}

	t.attach(conn)
	return nil
}
