package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"

	"github.com/nczempin/httpengine/protocol"
)

// DefaultGzipMinSize is the smallest body worth compressing
const DefaultGzipMinSize = 200

// GzipModule compresses the responses of the module it wraps when the
// request accepts gzip. Responses that already carry a Content-Encoding
// are passed through.
type GzipModule struct {
	next    Module
	level   int
	minSize int
	writers sync.Pool
}

// Gzip wraps next at the default compression level
func Gzip(next Module) *GzipModule {
	return GzipLevel(next, gzip.DefaultCompression, DefaultGzipMinSize)
}

// GzipLevel wraps next, compressing bodies of at least minSize bytes at level
func GzipLevel(next Module, level, minSize int) *GzipModule {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipModule{next: next, level: level, minSize: minSize}
}

func (g *GzipModule) Handle(s *Server, req *protocol.Request, first bool) (*protocol.Response, bool) {
	resp, closeConn := g.next.Handle(s, req, first)
	if resp == nil || len(resp.Body()) < g.minSize || resp.Header().Has(protocol.HeaderContentEncoding) ||
		!acceptsGzip(req.Header().Get(protocol.HeaderAcceptEncoding)) {
		return resp, closeConn
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := g.compress(buf, resp.Body()); err != nil {
		if s != nil {
			s.Logger().Error().Err(err).Msg("gzip failed, sending uncompressed")
		}
		return resp, closeConn
	}

	out := resp.WithBody(append([]byte(nil), buf.B...))
	out.Header().Set(protocol.HeaderContentEncoding, "gzip")
	if !out.Header().HasToken(protocol.HeaderVary, protocol.HeaderAcceptEncoding) {
		out.Header().Add(protocol.HeaderVary, protocol.HeaderAcceptEncoding)
	}
	return out, closeConn
}

func (g *GzipModule) compress(buf *bytebufferpool.ByteBuffer, body []byte) error {
	zw, _ := g.writers.Get().(*gzip.Writer)
	if zw == nil {
		var err error
		if zw, err = gzip.NewWriterLevel(buf, g.level); err != nil {
			return fmt.Errorf("gzip.NewWriterLevel(%d): %w", g.level, err)
		}
	} else {
		zw.Reset(buf)
	}
	defer g.writers.Put(zw)

	if _, err := zw.Write(body); err != nil {
		return err
	}
	return zw.Close()
}

// acceptsGzip reports whether an Accept-Encoding value admits gzip
func acceptsGzip(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		if q == "q=0" || (strings.HasPrefix(q, "q=0.") && strings.Trim(q[len("q=0."):], "0") == "") {
			continue
		}
		return true
	}
	return false
}
