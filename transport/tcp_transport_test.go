package transport

import (
	"net"
	"syscall"
	"testing"
	"time"

	httperrors "github.com/nczempin/httpengine/errors"
)

func setupTcpTestServer(t *testing.T, serverLogic func(net.Conn)) (string, int, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}

	addr := listener.Addr().(*net.TCPAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serverLogic(conn)
		conn.Close()
	}()

	cleanup := func() {
		listener.Close()
		<-done
	}

	return addr.IP.String(), addr.Port, cleanup
}

func expectTransportError(t *testing.T, err error, want httperrors.TransportError) {
	t.Helper()

	httpErr, ok := httperrors.As(err)
	if !ok {
		t.Fatalf("Expected *errors.HttpError, got %T", err)
	}
	if httpErr.Type != httperrors.ErrorTransport {
		t.Fatalf("Expected transport error, got %v", httpErr.Type)
	}
	if httpErr.TransportErr != want {
		t.Errorf("Expected %v, got %v", want, httpErr.TransportErr)
	}
}

func TestTcpTransport_Construction(t *testing.T) {
	transport := NewTcpTransport()
	if transport == nil {
		t.Fatal("NewTcpTransport returned nil")
	}
	if transport.current() != nil {
		t.Error("New transport should have nil connection")
	}
}

func TestTcpTransport_Connect_Success(t *testing.T) {
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	if transport.current() == nil {
		t.Error("Connection should not be nil after successful connect")
	}
	if Port(transport.RemoteAddr()) != port {
		t.Errorf("Expected remote port %d, got %v", port, transport.RemoteAddr())
	}
	if transport.LastActivity().IsZero() {
		t.Error("Connect should record activity")
	}
}

func TestTcpTransport_Connect_Twice(t *testing.T) {
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	err := transport.Connect(host, port)
	if err == nil {
		t.Fatal("Expected error on second connect")
	}
	expectTransportError(t, err, httperrors.TransportErrorSocketConnectFailure)
}

func TestTcpTransport_Connect_Failure_ConnectionRefused(t *testing.T) {
	// Grab a free port and release it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	transport := NewTcpTransport()
	err = transport.Connect("127.0.0.1", port)
	if err == nil {
		t.Fatal("Expected error on connection refused")
	}
	expectTransportError(t, err, httperrors.TransportErrorSocketConnectFailure)
}

func TestTcpTransport_Write_Success(t *testing.T) {
	messageToSend := "hello server"
	received := make(chan string, 1)

	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	n, err := transport.Write([]byte(messageToSend))
	if err != nil {
		t.Errorf("Write failed: %v", err)
	}

	if n != len(messageToSend) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(messageToSend), n)
	}

	select {
	case msg := <-received:
		if msg != messageToSend {
			t.Errorf("Expected %q, got %q", messageToSend, msg)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestTcpTransport_Read_Success(t *testing.T) {
	messageFromServer := "hello client"

	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
		conn.Write([]byte(messageFromServer))
	})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	buf := make([]byte, 1024)
	n, err := transport.Read(buf)
	if err != nil {
		t.Errorf("Read failed: %v", err)
	}

	if received := string(buf[:n]); received != messageFromServer {
		t.Errorf("Expected %q, got %q", messageFromServer, received)
	}
}

func TestTcpTransport_Read_Failure_ConnectionClosed(t *testing.T) {
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
		// Server immediately closes
	})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	buf := make([]byte, 1024)
	_, err := transport.Read(buf)
	if err == nil {
		t.Fatal("Expected error on closed connection")
	}
	expectTransportError(t, err, httperrors.TransportErrorConnectionClosed)
}

func TestTcpTransport_Close_UnblocksRead(t *testing.T) {
	release := make(chan struct{})
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
		<-release
	})
	defer cleanup()
	defer close(release)

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := transport.Read(buf)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	transport.Close()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("Expected pending read to fail after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock pending read")
	}
}

func TestTcpTransport_Close_Idempotent(t *testing.T) {
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if transport.current() != nil {
		t.Error("Connection should be nil after close")
	}
}

func TestTcpTransport_Write_Failure_ClosedConnection(t *testing.T) {
	host, port, cleanup := setupTcpTestServer(t, func(conn net.Conn) {
		// Wait until the client is connected and has written
		buf := make([]byte, 1)
		conn.Read(buf)
		// Set SO_LINGER to force RST on close
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			raw, err := tcpConn.SyscallConn()
			if err == nil {
				raw.Control(func(fd uintptr) {
					linger := syscall.Linger{Onoff: 1, Linger: 0}
					syscall.SetsockoptLinger(int(fd), syscall.SOL_SOCKET, syscall.SO_LINGER, &linger)
				})
			}
		}
	})
	defer cleanup()

	transport := NewTcpTransport()
	if err := transport.Connect(host, port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	if _, err := transport.Write([]byte("x")); err != nil {
		t.Fatalf("Write before reset failed: %v", err)
	}

	// Wait for server to close with RST
	time.Sleep(50 * time.Millisecond)

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = transport.Write([]byte("this should fail"))
		time.Sleep(10 * time.Millisecond)
	}
	if err == nil {
		t.Fatal("Expected error on write to closed connection")
	}
	expectTransportError(t, err, httperrors.TransportErrorConnectionClosed)
}

func TestTcpTransport_Write_Failure_NoConnection(t *testing.T) {
	transport := NewTcpTransport()

	_, err := transport.Write([]byte("test"))
	if err == nil {
		t.Fatal("Expected error when writing without connection")
	}
	expectTransportError(t, err, httperrors.TransportErrorSocketWriteFailure)
}

func TestTcpTransport_Read_Failure_NoConnection(t *testing.T) {
	transport := NewTcpTransport()

	buf := make([]byte, 1024)
	_, err := transport.Read(buf)
	if err == nil {
		t.Fatal("Expected error when reading without connection")
	}
	expectTransportError(t, err, httperrors.TransportErrorSocketReadFailure)
}

func TestTcpTransport_BusyTag(t *testing.T) {
	transport := NewTcpTransport()
	if transport.Busy() {
		t.Fatal("New transport should not be busy")
	}
	transport.SetBusy(true)
	if !transport.Busy() {
		t.Error("Expected busy after SetBusy(true)")
	}
	transport.SetBusy(false)
	if transport.Busy() {
		t.Error("Expected idle after SetBusy(false)")
	}
}
