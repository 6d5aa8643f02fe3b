package client

import (
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/stack"
	"github.com/nczempin/httpengine/transport"
)

// DefaultMaxResponseSize bounds a response body unless WithMaxResponseSize says otherwise
const DefaultMaxResponseSize = 64 * 1024 * 1024

var lastID atomic.Uint64

// TransportFactory creates an unconnected transport for Dial
type TransportFactory func() (transport.Transport, error)

// TcpTransports is the default TransportFactory
func TcpTransports() (transport.Transport, error) {
	return transport.NewTcpTransport(), nil
}

type options struct {
	registry        *stack.Registry
	newTransport    TransportFactory
	maxResponseSize int64
	logger          *zerolog.Logger
}

// Option configures a Connection
type Option func(*options)

// WithRegistry selects the registry that tracks the connection's deadlines
// and provides the buffer size. stack.Default() is used otherwise.
func WithRegistry(r *stack.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTransport selects how Dial creates transports
func WithTransport(f TransportFactory) Option {
	return func(o *options) { o.newTransport = f }
}

// WithMaxResponseSize bounds response bodies; -1 is unbounded
func WithMaxResponseSize(n int64) Option {
	return func(o *options) { o.maxResponseSize = n }
}

// WithLogger sets the logger; the registry's logger is used otherwise
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func buildOptions(opts []Option) options {
	o := options{maxResponseSize: DefaultMaxResponseSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = stack.Default()
	}
	if o.newTransport == nil {
		o.newTransport = TcpTransports
	}
	if o.logger == nil {
		l := o.registry.Logger()
		o.logger = &l
	}
	return o
}

// Connection is a client connection carrying at most one query at a time.
type Connection struct {
	id              uint64
	trans           transport.Transport
	registry        *stack.Registry
	maxResponseSize int64
	log             zerolog.Logger
	host            string
	port            int

	inFlight atomic.Bool
	release  sync.Once

	// guards the fields below, which the deadline sweep reads concurrently
	mu       sync.Mutex
	closed   bool
	deadline time.Time
	timedOut bool
}

// Dial connects to host:port and registers the connection
func Dial(host string, port int, opts ...Option) (*Connection, error) {
	o := buildOptions(opts)
	trans, err := o.newTransport()
	if err != nil {
		return nil, err
	}
	if err := trans.Connect(host, port); err != nil {
		if d, ok := trans.(destroyer); ok {
			d.Destroy()
		}
		return nil, err
	}
	c, err := newConnection(trans, o)
	if err != nil {
		return nil, err
	}
	c.host, c.port = host, port
	return c, nil
}

// DialURI connects to the host and port of an http:// URI
func DialURI(uri string, opts ...Option) (*Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("invalid URI " + strconv.Quote(uri))
	}
	host, port, err := hostPort(u)
	if err != nil {
		return nil, err
	}
	return Dial(host, port, opts...)
}

func hostPort(u *url.URL) (string, int, error) {
	if u.Scheme != "http" {
		return "", 0, errors.NewInvalidArgumentError("unsupported scheme " + strconv.Quote(u.Scheme))
	}
	if u.Hostname() == "" {
		return "", 0, errors.NewInvalidArgumentError("URI has no host")
	}
	port := 80
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", 0, errors.NewInvalidArgumentError("invalid port " + strconv.Quote(p))
		}
		port = n
	}
	return u.Hostname(), port, nil
}

// NewConnection wraps an already connected transport and registers it.
// If the registry refuses the connection, the transport is closed.
func NewConnection(trans transport.Transport, opts ...Option) (*Connection, error) {
	return newConnection(trans, buildOptions(opts))
}

func newConnection(trans transport.Transport, o options) (*Connection, error) {
	c := &Connection{
		id:              lastID.Add(1),
		trans:           trans,
		registry:        o.registry,
		maxResponseSize: o.maxResponseSize,
	}
	c.log = o.logger.With().Uint64("conn", c.id).Logger()
	if err := c.registry.Register(c); err != nil {
		trans.Close()
		c.releaseTransport()
		return nil, err
	}
	c.log.Debug().Msg("connection established")
	return c, nil
}

// ID is unique and increasing across the process
func (c *Connection) ID() uint64 { return c.id }

// Query sends req and waits for its response. It fails with a timeout
// error once deadline passes; a zero deadline never expires. Only one
// query may be outstanding: a concurrent call fails immediately.
func (c *Connection) Query(req *protocol.Request, deadline time.Time) (*protocol.Response, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, errors.NewInvalidStateError("a query is already in progress on this connection")
	}
	defer c.endQuery()

	if err := c.startQuery(deadline); err != nil {
		return nil, err
	}
	if c.Expired(time.Now()) {
		c.Expire()
		return nil, c.timeoutError(nil)
	}

	if _, err := req.WriteTo(c.trans); err != nil {
		return nil, c.fail(err)
	}

	resp := protocol.NewInboundResponse(req, c.maxResponseSize)
	if err := resp.BeginParse(); err != nil {
		return nil, err
	}

	buf := make([]byte, c.registry.BlockSize())
	for {
		n, err := c.trans.Read(buf)
		if err != nil {
			if !errors.IsConnectionClosed(err) || c.isTimedOut() || c.Closed() {
				return nil, c.fail(err)
			}
			done, perr := resp.Parse(nil)
			if perr != nil {
				return nil, c.fail(perr)
			}
			if !done {
				return nil, c.fail(errors.NewProtocolError(errors.ProtocolErrorIncompleteMessage,
					"connection closed before the response was complete"))
			}
			break
		}

		done, perr := resp.Parse(buf[:n])
		if perr != nil {
			return nil, c.fail(perr)
		}
		if done {
			break
		}
		if c.Expired(time.Now()) {
			c.Expire()
			return nil, c.timeoutError(nil)
		}
	}

	if err := resp.EndParse(); err != nil {
		return nil, c.fail(err)
	}
	if resp.WantsClose() {
		c.Close()
	}
	return resp, nil
}

// Get issues a GET for target, filling in Host
func (c *Connection) Get(target string, deadline time.Time) (*protocol.Response, error) {
	return c.Query(c.newRequest(protocol.MethodGet, target, nil), deadline)
}

// Post issues a POST of body to target, filling in Host
func (c *Connection) Post(target string, body []byte, deadline time.Time) (*protocol.Response, error) {
	if len(body) == 0 {
		return nil, errors.NewInvalidArgumentError("POST request must have a body")
	}
	return c.Query(c.newRequest(protocol.MethodPost, target, body), deadline)
}

func (c *Connection) newRequest(method, target string, body []byte) *protocol.Request {
	req := protocol.NewRequest(method, target, body)
	if c.host != "" {
		host := c.host
		if c.port != 80 && c.port > 0 {
			host = net.JoinHostPort(c.host, strconv.Itoa(c.port))
		}
		req.Header().Set(protocol.HeaderHost, host)
	}
	return req
}

func (c *Connection) startQuery(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection is closed", nil)
	}
	c.deadline = deadline
	c.timedOut = false
	return nil
}

func (c *Connection) endQuery() {
	c.mu.Lock()
	c.deadline = time.Time{}
	closed := c.closed
	c.mu.Unlock()

	c.inFlight.Store(false)
	if closed {
		c.releaseTransport()
	}
}

// fail closes the connection after a failed query. A failure caused by the
// deadline sweep closing the socket is reported as a timeout.
func (c *Connection) fail(err error) error {
	timedOut := c.isTimedOut()
	c.Close()
	if timedOut {
		return c.timeoutError(err)
	}
	c.log.Debug().Err(err).Msg("query failed")
	return err
}

func (c *Connection) timeoutError(cause error) error {
	return errors.NewTimeoutError("query deadline passed", cause)
}

func (c *Connection) isTimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// Expired reports whether a query is outstanding past its deadline
func (c *Connection) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.deadline.IsZero() && c.deadline.Before(now)
}

// Expire force-closes the connection; the pending query fails with a timeout
func (c *Connection) Expire() {
	c.mu.Lock()
	c.timedOut = true
	c.mu.Unlock()
	c.log.Debug().Msg("query deadline passed")
	c.Close()
}

// Close closes the connection, unblocking any pending query, and removes
// it from the registry.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.registry.Deregister(c)
	err := c.trans.Close()
	if !c.inFlight.Load() {
		c.releaseTransport()
	}
	c.log.Debug().Msg("connection closed")
	return err
}

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type destroyer interface {
	Destroy()
}

// releaseTransport frees transport resources beyond the socket, such as an
// io_uring instance, once no query can be using them.
func (c *Connection) releaseTransport() {
	c.release.Do(func() {
		if d, ok := c.trans.(destroyer); ok {
			d.Destroy()
		}
	})
}
