package protocol

import (
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/nczempin/httpengine/errors"
)

// DefaultHost is used to resolve request targets that arrive without Host
const DefaultHost = "localhost"

// RequestLimits bounds an inbound request
type RequestLimits struct {
	// MaxHeaderSize 0 selects DefaultMaxHeaderSize, negative is unbounded
	MaxHeaderSize int
	// MaxBodySize -1 is unbounded
	MaxBodySize int64
	// LocalPort is the port of the socket the request arrives on
	LocalPort int
}

// Request is an HTTP request, either built for transmission or parsed
// from the wire.
type Request struct {
	message
	limits RequestLimits
	uri    *url.URL
}

// NewRequest creates an outbound HTTP/1.1 request for target, which is
// written on the request line as given.
func NewRequest(method, target string, body []byte) *Request {
	return &Request{
		message: message{
			header: NewRequestHeader(method, target, Version11),
			body:   body,
			state:  stateOutbound,
		},
	}
}

// NewInboundRequest creates a request to be filled through
// BeginParse/Parse/EndParse.
func NewInboundRequest(limits RequestLimits) *Request {
	r := &Request{limits: limits}
	r.message = message{
		header: NewParsingHeader(true, limits.MaxHeaderSize),
		state:  stateIdle,
		content: func(*HeaderCollection) ContentConfig {
			return ContentConfig{Policy: NoLengthEmpty, MaxSize: limits.MaxBodySize}
		},
	}
	return r
}

// BeginParse starts the parse lifecycle of an inbound request
func (r *Request) BeginParse() error { return r.beginParse() }

// Parse feeds received bytes and reports whether the request is complete.
// Empty data means the peer closed its side.
func (r *Request) Parse(data []byte) (bool, error) { return r.parse(data) }

// EndParse freezes a complete request and resolves its URI
func (r *Request) EndParse() error {
	if err := r.endParse(); err != nil {
		return err
	}
	uri, err := resolveURI(r.header.Get(HeaderHost), r.header.RawURI(), r.limits.LocalPort)
	if err != nil {
		return err
	}
	r.uri = uri
	return nil
}

// resolveURI combines the Host header and the raw request target. The port
// comes from the receiving socket when known.
func resolveURI(host, target string, port int) (*url.URL, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.ParseRequestURI(target)
		if err != nil {
			return nil, errors.NewProtocolError(errors.ProtocolErrorInvalidRequestLine, "bad target "+strconv.Quote(target))
		}
		return u, nil
	}

	hostname := host
	if h, p, err := net.SplitHostPort(host); err == nil {
		hostname = h
		if port == 0 {
			port, _ = strconv.Atoi(p)
		}
	}
	hostname = strings.Trim(hostname, "[]")
	if hostname == "" {
		hostname = DefaultHost
	}

	u := &url.URL{Scheme: "http", Host: hostname}
	if port > 0 {
		u.Host = net.JoinHostPort(hostname, strconv.Itoa(port))
	} else if strings.Contains(hostname, ":") {
		u.Host = "[" + hostname + "]"
	}
	if target == "*" {
		u.Path = "*"
		return u, nil
	}
	ref, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, errors.NewProtocolError(errors.ProtocolErrorInvalidRequestLine, "bad target "+strconv.Quote(target))
	}
	u.Path, u.RawPath, u.RawQuery = ref.Path, ref.RawPath, ref.RawQuery
	return u, nil
}

// Header gives access to the header collection
func (r *Request) Header() *HeaderCollection { return r.header }

func (r *Request) Method() string   { return r.header.Method() }
func (r *Request) RawURI() string   { return r.header.RawURI() }
func (r *Request) Version() Version { return r.header.Version() }
func (r *Request) Body() []byte     { return r.body }

// URI is the resolved request URI, nil until EndParse succeeds
func (r *Request) URI() *url.URL { return r.uri }

// Remainder holds bytes received after the end of this request, the start
// of a pipelined one.
func (r *Request) Remainder() []byte { return r.remainder }

// WantsClose reports whether the client asked for the connection to end
// after this exchange.
func (r *Request) WantsClose() bool { return r.wantsClose() }

// WriteTo serializes the request into w
func (r *Request) WriteTo(w io.Writer) (int64, error) { return r.writeTo(w) }

// Bytes returns the serialized request
func (r *Request) Bytes() ([]byte, error) { return r.bytes() }
