package client

import (
	"net/url"
	"strconv"
	"time"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/stack"
)

// Get connects to the host of rawURL, sends a GET, waits for the response
// and disconnects. Redirects are not followed. A non-2xx status fails with
// a status error; the response is returned alongside it.
func Get(registry *stack.Registry, rawURL string, timeout time.Duration, opts ...Option) (*protocol.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("invalid URI " + strconv.Quote(rawURL))
	}
	host, port, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	if registry != nil {
		opts = append(opts, WithRegistry(registry))
	}
	conn, err := Dial(host, port, opts...)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	target := u.RequestURI()
	req := conn.newRequest(protocol.MethodGet, target, nil)
	req.Header().Set(protocol.HeaderConnection, "close")

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	resp, err := conn.Query(req, deadline)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return resp, errors.NewStatusError(resp.StatusCode(), resp.Reason())
	}
	return resp, nil
}
