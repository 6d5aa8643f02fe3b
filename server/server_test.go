package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nczempin/httpengine/client"
	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/stack"
	"github.com/nczempin/httpengine/transport"
)

// startServer serves modules on a loopback port until the test ends
func startServer(t *testing.T, cfg Config, modules ...Module) (*Server, string) {
	t.Helper()
	if cfg.Registry == nil {
		reg := stack.New(stack.Config{})
		t.Cleanup(reg.Close)
		cfg.Registry = reg
	}
	srv := New(cfg)
	for _, m := range modules {
		srv.Use(m)
	}

	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		srv.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve returned %v after Close", err)
		}
	})
	return srv, ln.Addr().String()
}

// exchange sends raw and reads until the server closes the connection
func exchange(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Expected server to close the connection, got %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func reply(body string) Module {
	return ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		return protocol.NewReply(req, protocol.StatusOK, []byte(body)), false
	})
}

func TestServer_DispatchOrder(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	a := ModuleFunc(func(_ *Server, _ *protocol.Request, _ bool) (*protocol.Response, bool) {
		record("A")
		return nil, false
	})
	b := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		record("B")
		return protocol.NewReply(req, protocol.StatusOK, []byte("from B")), true
	})
	c := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		record("C")
		return protocol.NewReply(req, protocol.StatusOK, []byte("from C")), false
	})
	_, addr := startServer(t, Config{}, a, b, c)

	got := exchange(t, addr, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(got, "\r\n\r\nfrom B") {
		t.Errorf("Expected B's response, got %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("Expected Connection: close, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(calls, "") != "AB" {
		t.Errorf("Expected modules A then B, got %v", calls)
	}
}

func TestServer_CloseRequestFromUnhandledModule(t *testing.T) {
	a := ModuleFunc(func(_ *Server, _ *protocol.Request, _ bool) (*protocol.Response, bool) {
		return nil, true
	})
	_, addr := startServer(t, Config{}, a, reply("ok"))

	got := exchange(t, addr, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	if !strings.HasSuffix(got, "ok") || !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("Expected response followed by close, got %q", got)
	}
}

func TestServer_NotFound(t *testing.T) {
	_, addr := startServer(t, Config{})

	got := exchange(t, addr, "GET /missing HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("Expected 404, got %q", got)
	}
	if !strings.Contains(got, "Content-Length: 0\r\n") {
		t.Errorf("Expected empty body, got %q", got)
	}
}

func TestServer_HeadTruncation(t *testing.T) {
	_, addr := startServer(t, Config{}, reply("0123456789"))

	got := exchange(t, addr, "HEAD / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("Expected 200, got %q", got)
	}
	if !strings.Contains(got, "Content-Length: 0\r\n") {
		t.Errorf("Expected Content-Length: 0, got %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\n") {
		t.Errorf("Expected no body bytes, got %q", got)
	}
}

func TestServer_VersionDowngrade(t *testing.T) {
	standalone := ModuleFunc(func(_ *Server, _ *protocol.Request, _ bool) (*protocol.Response, bool) {
		return protocol.NewResponse(protocol.StatusOK, []byte("old")), false
	})
	_, addr := startServer(t, Config{}, standalone)

	// HTTP/1.0 without keep-alive closes after the response
	got := exchange(t, addr, "GET / HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.0 200 OK\r\n") {
		t.Errorf("Expected HTTP/1.0 status line, got %q", got)
	}
	if !strings.HasSuffix(got, "old") {
		t.Errorf("Expected body, got %q", got)
	}
}

func TestServer_HTTP10KeepAlive(t *testing.T) {
	_, addr := startServer(t, Config{}, reply("again"))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		fmt.Fprint(conn, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "again" || resp.Header.Get("Connection") != "keep-alive" {
			t.Errorf("Request %d: unexpected response %q, Connection %q", i, body, resp.Header.Get("Connection"))
		}
	}
}

func TestServer_DefaultHeaders(t *testing.T) {
	own := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		if req.RawURI() != "/own" {
			return nil, false
		}
		resp := protocol.NewReply(req, protocol.StatusOK, []byte("mine"))
		resp.Header().Set(protocol.HeaderCacheControl, "no-store")
		resp.Header().Set(protocol.HeaderServer, "custom")
		return resp, false
	})
	_, addr := startServer(t, Config{ServerName: "unit-test"}, own, reply("default"))

	tests := []struct {
		target       string
		server       string
		cacheControl string
	}{
		{"/", "unit-test", "private"},
		{"/own", "custom", "no-store"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			raw := exchange(t, addr, "GET "+tt.target+" HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
			resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
			if err != nil {
				t.Fatalf("Failed to parse response %q: %v", raw, err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("Server"); got != tt.server {
				t.Errorf("Expected Server %q, got %q", tt.server, got)
			}
			if got := resp.Header.Get("Cache-Control"); got != tt.cacheControl {
				t.Errorf("Expected Cache-Control %q, got %q", tt.cacheControl, got)
			}
			date, err := time.Parse(protocol.TimeFormat, resp.Header.Get("Date"))
			if err != nil {
				t.Errorf("Expected RFC 1123 Date, got %q", resp.Header.Get("Date"))
			} else if time.Since(date) > time.Minute {
				t.Errorf("Expected current Date, got %v", date)
			}
		})
	}
}

func TestServer_KeepAlive(t *testing.T) {
	var mu sync.Mutex
	var firsts []bool
	echo := ModuleFunc(func(_ *Server, req *protocol.Request, first bool) (*protocol.Response, bool) {
		mu.Lock()
		firsts = append(firsts, first)
		mu.Unlock()
		return protocol.NewReply(req, protocol.StatusOK, []byte(req.RawURI())), false
	})
	srv, addr := startServer(t, Config{}, echo)

	host, port, _ := net.SplitHostPort(addr)
	portNum, _ := strconv.Atoi(port)
	conn, err := client.Dial(host, portNum, client.WithRegistry(srv.Config().Registry))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		target := fmt.Sprintf("/%d", i)
		resp, err := conn.Get(target, time.Now().Add(2*time.Second))
		if err != nil {
			t.Fatalf("Query %d failed: %v", i, err)
		}
		if string(resp.Body()) != target {
			t.Errorf("Expected %q, got %q", target, resp.Body())
		}
	}
	if srv.ConnCount() != 1 {
		t.Errorf("Expected one kept-alive connection, got %d", srv.ConnCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(firsts) != 3 || !firsts[0] || firsts[1] || firsts[2] {
		t.Errorf("Expected only the first request to be flagged first, got %v", firsts)
	}
}

func TestServer_Pipelined(t *testing.T) {
	echo := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		return protocol.NewReply(req, protocol.StatusOK, append([]byte(req.RawURI()+":"), req.Body()...)), false
	})
	_, addr := startServer(t, Config{}, echo)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprint(conn, "POST /a HTTP/1.1\r\nHost: test\r\nContent-Length: 3\r\n\r\none"+
		"GET /b HTTP/1.1\r\nHost: test\r\n\r\n"+
		"POST /c HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nthree\r\n0\r\n\r\n")

	r := bufio.NewReader(conn)
	for _, want := range []string{"/a:one", "/b:", "/c:three"} {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			t.Fatalf("Failed to read response for %s: %v", want, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != want {
			t.Errorf("Expected %q, got %q", want, body)
		}
	}
}

func TestServer_Admission(t *testing.T) {
	srv, addr := startServer(t, Config{MaxConnections: 1})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer first.Close()
	waitFor(t, "first connection", func() bool { return srv.ConnCount() == 1 })

	got := exchange(t, addr, "")
	if !strings.HasPrefix(got, "HTTP/1.1 503 Service Unavailable\r\n") {
		t.Errorf("Expected 503, got %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Errorf("Expected Connection: close, got %q", got)
	}
	if srv.ConnCount() != 1 {
		t.Errorf("Expected refused connection to stay out of the table, got %d", srv.ConnCount())
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	_, addr := startServer(t, Config{MaxQuerySize: 8, MaxHeaderSize: 128}, reply("unreachable"))

	tests := []struct {
		name   string
		raw    string
		status string
	}{
		{"malformed request line", "garbage\r\n\r\n", "HTTP/1.1 400 Bad Request\r\n"},
		{"bad content length", "POST / HTTP/1.1\r\nContent-Length: ten\r\n\r\n", "HTTP/1.1 400 Bad Request\r\n"},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", "HTTP/1.1 400 Bad Request\r\n"},
		{"declared body too large", "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n", "HTTP/1.1 413 Request Entity Too Large\r\n"},
		{"chunked body too large", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n9\r\n123456789\r\n", "HTTP/1.1 413 Request Entity Too Large\r\n"},
		{"headers too large", "GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("x", 200) + "\r\n\r\n", "HTTP/1.1 413 Request Entity Too Large\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exchange(t, addr, tt.raw)
			if !strings.HasPrefix(got, tt.status) {
				t.Errorf("Expected %q, got %q", tt.status, got)
			}
			if !strings.Contains(got, "Connection: close\r\n") {
				t.Errorf("Expected Connection: close, got %q", got)
			}
		})
	}
}

func TestServer_BodyAtLimit(t *testing.T) {
	echo := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		return protocol.NewReply(req, protocol.StatusOK, req.Body()), false
	})
	_, addr := startServer(t, Config{MaxQuerySize: 8}, echo)

	got := exchange(t, addr, "POST / HTTP/1.1\r\nConnection: close\r\nContent-Length: 8\r\n\r\n12345678")
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(got, "12345678") {
		t.Errorf("Expected body at the limit to be accepted, got %q", got)
	}
}

func TestServer_IdleEviction(t *testing.T) {
	srv, addr := startServer(t, Config{IdleTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond})

	got := exchange(t, addr, "")
	if got != "" {
		t.Errorf("Expected idle connection to close silently, got %q", got)
	}
	waitFor(t, "connection table to empty", func() bool { return srv.ConnCount() == 0 })
}

func TestServer_SweepSkipsBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		close(entered)
		<-release
		return protocol.NewReply(req, protocol.StatusOK, []byte("done")), false
	})
	srv, addr := startServer(t, Config{SweepInterval: time.Hour}, slow)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")

	result := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(conn)
		result <- string(data)
	}()

	<-entered
	if n := srv.Sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("Expected busy connection to survive the sweep, closed %d", n)
	}
	close(release)

	if got := <-result; !strings.HasSuffix(got, "done") {
		t.Errorf("Expected response after sweep, got %q", got)
	}
}

func TestServer_PeerCloseDropsConnection(t *testing.T) {
	srv, addr := startServer(t, Config{})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitFor(t, "connection to be admitted", func() bool { return srv.ConnCount() == 1 })
	conn.Close()
	waitFor(t, "connection to be dropped", func() bool { return srv.ConnCount() == 0 })
}

func TestServer_ClientPost(t *testing.T) {
	var seen atomic.Value
	echo := ModuleFunc(func(_ *Server, req *protocol.Request, _ bool) (*protocol.Response, bool) {
		seen.Store(req.URI().String())
		return protocol.NewReply(req, protocol.StatusCreated, req.Body()), false
	})
	srv, addr := startServer(t, Config{}, echo)

	conn, err := client.DialURI("http://"+addr+"/", client.WithRegistry(srv.Config().Registry))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	resp, err := conn.Post("/items?x=1", []byte("payload"), time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode() != protocol.StatusCreated || string(resp.Body()) != "payload" {
		t.Errorf("Unexpected response %d %q", resp.StatusCode(), resp.Body())
	}
	if want := "http://" + addr + "/items?x=1"; seen.Load() != want {
		t.Errorf("Expected resolved URI %q, got %v", want, seen.Load())
	}
}

func TestServer_CloseStopsServing(t *testing.T) {
	srv := New(Config{Registry: stack.New(stack.Config{})})
	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	waitFor(t, "connection to be admitted", func() bool { return srv.ConnCount() == 1 })

	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Expected Serve to return nil, got %v", err)
	}
	if srv.ConnCount() != 0 {
		t.Errorf("Expected no connections after Close, got %d", srv.ConnCount())
	}
	if err := srv.Serve(ln); err == nil {
		t.Error("Expected Serve on a closed server to fail")
	}
}
