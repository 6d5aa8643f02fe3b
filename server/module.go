package server

import (
	"github.com/nczempin/httpengine/protocol"
)

// Module is a pluggable request handler. Modules are tried in the order
// they were added; the first one to return a non-nil Response handles the
// request. first is true for the first request on a physical connection.
// Returning closeConn asks the server to close the connection after the
// response is sent, whether or not this module handled the request.
type Module interface {
	Handle(s *Server, req *protocol.Request, first bool) (resp *protocol.Response, closeConn bool)
}

// ModuleFunc adapts a function to Module
type ModuleFunc func(s *Server, req *protocol.Request, first bool) (*protocol.Response, bool)

func (f ModuleFunc) Handle(s *Server, req *protocol.Request, first bool) (*protocol.Response, bool) {
	return f(s, req, first)
}
