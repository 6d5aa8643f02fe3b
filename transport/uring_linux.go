//go:build linux

package transport

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/httpengine/errors"
)

// dialSocket resolves host:port and creates a TCP socket of the matching family.
// The returned descriptor is not connected yet.
func dialSocket(host string, port int) (int, syscall.Sockaddr, *net.TCPAddr, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, nil, httperrors.NewTransportError(httperrors.TransportErrorDnsFailure, fmt.Sprintf("failed to resolve %s", addr), err)
	}

	// Convert to syscall.Sockaddr
	var sa syscall.Sockaddr
	family := unix.AF_INET
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa4 := &syscall.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &syscall.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP)
		sa = sa6
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, nil, httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to create socket", err)
	}

	// Set TCP_NODELAY
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, nil, nil, httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
	}

	return fd, sa, tcpAddr, nil
}

// localAddr reads the bound address of a connected descriptor.
func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

// shutdownSocket wakes any receive still pending on fd before it is closed.
func shutdownSocket(fd int) {
	unix.Shutdown(fd, unix.SHUT_RDWR)
}
