package protocol

import (
	"io"
)

// Response is an HTTP response, built standalone, in reply to a request,
// or parsed from the wire.
type Response struct {
	message
	requestMethod string
}

// NewResponse creates an outbound HTTP/1.1 response
func NewResponse(statusCode int, body []byte) *Response {
	return &Response{
		message: message{
			header: NewResponseHeader(Version11, statusCode, ""),
			body:   body,
			state:  stateOutbound,
		},
	}
}

// NewReply creates an outbound response to req, speaking its version
func NewReply(req *Request, statusCode int, body []byte) *Response {
	resp := NewResponse(statusCode, body)
	resp.header.SetVersion(req.Version())
	resp.requestMethod = req.Method()
	return resp
}

// NewInboundResponse creates a response to be filled through
// BeginParse/Parse/EndParse. req may be nil; when it is a HEAD request the
// response carries no body whatever its headers say. maxBody -1 is unbounded.
func NewInboundResponse(req *Request, maxBody int64) *Response {
	resp := &Response{}
	if req != nil {
		resp.requestMethod = req.Method()
	}
	resp.message = message{
		header: NewParsingHeader(false, 0),
		state:  stateIdle,
		content: func(h *HeaderCollection) ContentConfig {
			return ContentConfig{
				Policy:        NoLengthReadToClose,
				MaxSize:       maxBody,
				BodyForbidden: resp.requestMethod == MethodHead || bodyForbidden(h.StatusCode()),
			}
		},
	}
	return resp
}

// BeginParse starts the parse lifecycle of an inbound response
func (r *Response) BeginParse() error { return r.beginParse() }

// Parse feeds received bytes and reports whether the response is complete.
// Empty data means the peer closed its side, which completes a response
// framed by connection close.
func (r *Response) Parse(data []byte) (bool, error) { return r.parse(data) }

// EndParse freezes a complete response
func (r *Response) EndParse() error { return r.endParse() }

// Header gives access to the header collection
func (r *Response) Header() *HeaderCollection { return r.header }

func (r *Response) StatusCode() int  { return r.header.StatusCode() }
func (r *Response) Reason() string   { return r.header.Reason() }
func (r *Response) Version() Version { return r.header.Version() }
func (r *Response) Body() []byte     { return r.body }

// RequestMethod is the method of the request this response answers, if known
func (r *Response) RequestMethod() string { return r.requestMethod }

// Downgrade lowers the protocol version to v if the response advertises a
// newer one.
func (r *Response) Downgrade(v Version) {
	if v.Less(r.header.Version()) {
		r.header.SetVersion(v)
	}
}

// StripBody drops the content; Content-Length is written as 0
func (r *Response) StripBody() {
	r.body = nil
}

// WithBody returns a copy of the response carrying body
func (r *Response) WithBody(body []byte) *Response {
	c := &Response{
		message: message{
			header:      r.header.Clone(),
			body:        body,
			state:       r.state,
			readToClose: r.readToClose,
		},
		requestMethod: r.requestMethod,
	}
	return c
}

// WantsClose reports whether the connection must end after this response
func (r *Response) WantsClose() bool { return r.wantsClose() }

// WriteTo serializes the response into w
func (r *Response) WriteTo(w io.Writer) (int64, error) { return r.writeTo(w) }

// Bytes returns the serialized response
func (r *Response) Bytes() ([]byte, error) { return r.bytes() }
