package server

import (
	"github.com/rs/zerolog"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
	"github.com/nczempin/httpengine/transport"
)

// conn is one accepted connection, served by its own goroutine.
type conn struct {
	id     uint64
	srv    *Server
	sock   transport.Socket
	log    zerolog.Logger
	limits protocol.RequestLimits
}

func newConn(s *Server, sock transport.Socket, id uint64) *conn {
	c := &conn{
		id:   id,
		srv:  s,
		sock: sock,
		limits: protocol.RequestLimits{
			MaxHeaderSize: s.cfg.MaxHeaderSize,
			MaxBodySize:   s.cfg.MaxQuerySize,
			LocalPort:     transport.Port(sock.LocalAddr()),
		},
	}
	c.log = s.log.With().Uint64("conn", id).Stringer("remote", sock.RemoteAddr()).Logger()
	return c
}

// serve reads and answers requests until the connection closes, a request
// fails to parse, or a response asks to close.
func (c *conn) serve() {
	defer c.srv.drop(c)
	c.log.Debug().Msg("connection accepted")

	buf := make([]byte, c.srv.cfg.Registry.BlockSize())
	var pending []byte
	for first := true; ; first = false {
		req, err := c.readRequest(buf, pending)
		if err != nil {
			if errors.IsProtocol(err) || errors.IsSizeLimit(err) {
				c.reject(err)
			} else {
				c.log.Debug().Err(err).Msg("connection dropped")
			}
			return
		}
		pending = req.Remainder()

		if !c.respond(req, first) {
			return
		}
	}
}

// readRequest parses the next request, starting with bytes left over from
// the previous one.
func (c *conn) readRequest(buf, pending []byte) (*protocol.Request, error) {
	req := protocol.NewInboundRequest(c.limits)
	if err := req.BeginParse(); err != nil {
		return nil, err
	}

	done := false
	if len(pending) > 0 {
		var err error
		if done, err = req.Parse(pending); err != nil {
			return nil, err
		}
	}
	for !done {
		n, err := c.sock.Read(buf)
		if err != nil {
			return nil, err
		}
		if done, err = req.Parse(buf[:n]); err != nil {
			return nil, err
		}
	}
	if err := req.EndParse(); err != nil {
		return nil, err
	}
	return req, nil
}

// respond dispatches req and sends the response. It reports whether the
// connection stays open for another request.
func (c *conn) respond(req *protocol.Request, first bool) bool {
	c.sock.SetBusy(true)

	resp, closeConn := c.srv.dispatch(req, first)
	if resp == nil {
		resp = protocol.NewReply(req, protocol.StatusNotFound, nil)
	}
	resp.Downgrade(req.Version())
	if req.Method() == protocol.MethodHead {
		resp.StripBody()
	}

	if !closeConn && !req.WantsClose() && resp.Version().Less(protocol.Version11) &&
		!resp.Header().Has(protocol.HeaderConnection) {
		resp.Header().Set(protocol.HeaderConnection, "keep-alive")
	}
	closing := closeConn || req.WantsClose() || resp.WantsClose()
	c.srv.decorate(resp, closing)

	if _, err := resp.WriteTo(c.sock); err != nil {
		c.log.Debug().Err(err).Msg("sending response failed")
		return false
	}
	c.log.Debug().Str("method", req.Method()).Str("target", req.RawURI()).
		Int("status", resp.StatusCode()).Bool("close", closing).Msg("request served")
	if closing {
		return false
	}
	c.sock.SetBusy(false)
	return true
}

// reject answers a request that failed to parse and gives up on the
// connection.
func (c *conn) reject(err error) {
	status := protocol.StatusBadRequest
	if errors.IsSizeLimit(err) {
		status = protocol.StatusRequestEntityTooLarge
	}
	c.log.Debug().Err(err).Int("status", status).Msg("rejecting request")

	resp := protocol.NewResponse(status, []byte(protocol.StatusText(status)))
	c.srv.decorate(resp, true)
	if _, werr := resp.WriteTo(c.sock); werr != nil {
		c.log.Debug().Err(werr).Msg("sending error response failed")
	}
}
