package transport

import (
	"errors"
	"fmt"
	"net"

	httperrors "github.com/nczempin/httpengine/errors"
)

// NetListener adapts a net.Listener so that accepted connections come back as Sockets.
type NetListener struct {
	ln net.Listener
}

// Listen binds a stream listener on the given network ("tcp", "tcp4",
// "tcp6" or "unix"). The accept backlog is left to the operating system.
func Listen(network, address string) (*NetListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, httperrors.NewTransportError(httperrors.TransportErrorListenFailure, fmt.Sprintf("failed to listen on %s %s", network, address), err)
	}
	return &NetListener{ln: ln}, nil
}

// NewNetListener wraps an existing listener
func NewNetListener(ln net.Listener) *NetListener {
	return &NetListener{ln: ln}
}

// Accept waits for the next inbound connection
func (l *NetListener) Accept() (Socket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "listener closed", err)
		}
		return nil, httperrors.NewTransportError(httperrors.TransportErrorAcceptFailure, "accept failed", err)
	}

	switch c := conn.(type) {
	case *net.TCPConn:
		c.SetNoDelay(true)
		return NewTcpSocket(c), nil
	case *net.UnixConn:
		u := &UnixTransport{}
		u.attach(c)
		return u, nil
	default:
		return NewTcpSocket(conn), nil
	}
}

func (l *NetListener) Addr() net.Addr { return l.ln.Addr() }

func (l *NetListener) Close() error {
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
