package protocol

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/nczempin/httpengine/errors"
)

const (
	maxChunkSizeLine = 1024
	maxFooterSize    = 8 * 1024
)

// NoLengthPolicy decides how a body without Content-Length or chunked
// framing ends.
type NoLengthPolicy int

const (
	// NoLengthEmpty treats the body as empty (requests)
	NoLengthEmpty NoLengthPolicy = iota
	// NoLengthReadToClose reads until the peer closes (responses)
	NoLengthReadToClose
)

// ContentConfig parameterizes one ContentParser
type ContentConfig struct {
	Policy NoLengthPolicy
	// MaxSize is the body ceiling in bytes, -1 for unbounded
	MaxSize int64
	// BodyForbidden marks messages that never carry content: replies to
	// HEAD, 1xx, 204 and 304.
	BodyForbidden bool
}

type chunkState int

const (
	chunkStart chunkState = iota
	chunkSize
	chunkData
	chunkDataCR
	chunkDataLF
	chunkFooters
)

// ContentParser extracts the body of one message from a byte stream using
// identity or chunked framing.
type ContentParser struct {
	header *HeaderCollection
	cfg    ContentConfig

	body     []byte
	expected int64 // -1: unknown
	chunked  bool
	state    chunkState
	left     int64
	line     []byte

	started   bool
	done      bool
	released  bool
	remainder []byte
}

// NewContentParser creates a parser for the body described by header
func NewContentParser(header *HeaderCollection, cfg ContentConfig) *ContentParser {
	return &ContentParser{
		header:   header,
		cfg:      cfg,
		expected: -1,
	}
}

// BeginParse starts body parsing with the bytes received so far, where the
// body begins at bodyStart. It reports whether the body is already complete.
func (p *ContentParser) BeginParse(received []byte, bodyStart int) (bool, error) {
	if p.started {
		return false, errors.NewInvalidStateError("content BeginParse called twice")
	}
	if bodyStart < 0 || bodyStart > len(received) {
		return false, errors.NewInvalidArgumentError("body offset " + strconv.Itoa(bodyStart) + " out of range")
	}
	p.started = true
	rest := received[bodyStart:]

	if p.cfg.BodyForbidden {
		p.expected = 0
		p.finish(rest)
		return true, nil
	}

	if p.header.HasToken(HeaderTransferEncoding, "chunked") {
		p.chunked = true
		p.state = chunkStart
		return p.feedChunked(rest)
	}

	if hdr, ok := p.header.Lookup(HeaderContentLength); ok {
		n, err := parseContentLength(hdr.Value)
		if err != nil {
			return false, err
		}
		if p.cfg.MaxSize >= 0 && n > p.cfg.MaxSize {
			return false, errors.NewSizeLimitError(errors.ProtocolErrorBodyTooLarge,
				"Content-Length "+strconv.FormatInt(n, 10)+" exceeds "+strconv.FormatInt(p.cfg.MaxSize, 10))
		}
		p.expected = n
	} else if p.cfg.Policy == NoLengthEmpty {
		p.expected = 0
	}

	return p.feedIdentity(rest)
}

// Parse feeds more bytes. Empty data means the peer closed its side.
func (p *ContentParser) Parse(data []byte) (bool, error) {
	if !p.started || p.released {
		return false, errors.NewInvalidStateError("content Parse called outside BeginParse/EndParse")
	}
	if p.done {
		p.remainder = append(p.remainder, data...)
		return true, nil
	}

	if len(data) == 0 {
		return p.peerClosed()
	}
	if p.chunked {
		return p.feedChunked(data)
	}
	return p.feedIdentity(data)
}

func (p *ContentParser) peerClosed() (bool, error) {
	switch {
	case p.chunked:
		return false, errors.NewProtocolError(errors.ProtocolErrorIncompleteMessage, "connection closed inside chunked body")
	case p.expected >= 0:
		return false, errors.NewProtocolError(errors.ProtocolErrorContentLengthMismatch,
			"received "+strconv.Itoa(len(p.body))+" of "+strconv.FormatInt(p.expected, 10)+" body bytes")
	case p.cfg.Policy == NoLengthEmpty:
		return false, errors.NewProtocolError(errors.ProtocolErrorIncompleteMessage, "connection closed before body length was known")
	}
	p.done = true
	return true, nil
}

func (p *ContentParser) feedIdentity(data []byte) (bool, error) {
	if p.expected < 0 {
		p.body = append(p.body, data...)
		return false, p.checkCeiling()
	}

	need := p.expected - int64(len(p.body))
	if int64(len(data)) < need {
		p.body = append(p.body, data...)
		return false, p.checkCeiling()
	}
	p.body = append(p.body, data[:need]...)
	p.finish(data[need:])
	return true, p.checkCeiling()
}

func (p *ContentParser) feedChunked(data []byte) (bool, error) {
	i := 0
	for i < len(data) && !p.done {
		switch p.state {
		case chunkStart:
			p.state = chunkSize
			p.line = p.line[:0]

		case chunkSize:
			nl := bytes.IndexByte(data[i:], '\n')
			if nl < 0 {
				p.line = append(p.line, data[i:]...)
				i = len(data)
			} else {
				p.line = append(p.line, data[i:i+nl+1]...)
				i += nl + 1
			}
			if len(p.line) > maxChunkSizeLine {
				return false, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "chunk size line too long")
			}
			if nl < 0 {
				break
			}
			size, err := parseChunkSize(p.line)
			if err != nil {
				return false, err
			}
			if size == 0 {
				// Seeded so an empty footer section closes on the next CRLF
				p.line = append(p.line[:0], "\r\n"...)
				p.state = chunkFooters
			} else {
				p.left = size
				p.state = chunkData
			}

		case chunkData:
			n := min(p.left, int64(len(data)-i))
			p.body = append(p.body, data[i:i+int(n)]...)
			p.left -= n
			i += int(n)
			if p.left == 0 {
				p.state = chunkDataCR
			}

		case chunkDataCR:
			if data[i] != '\r' {
				return false, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "missing CR after chunk data")
			}
			i++
			p.state = chunkDataLF

		case chunkDataLF:
			if data[i] != '\n' {
				return false, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "missing LF after chunk data")
			}
			i++
			p.line = p.line[:0]
			p.state = chunkSize

		case chunkFooters:
			p.line = append(p.line, data[i])
			i++
			if bytes.HasSuffix(p.line, headerTerminator) {
				p.line = nil
				p.finish(data[i:])
				break
			}
			if len(p.line) > maxFooterSize {
				return false, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "chunk footers too long")
			}
		}
	}
	return p.done, p.checkCeiling()
}

func (p *ContentParser) finish(rest []byte) {
	p.done = true
	if len(rest) > 0 {
		p.remainder = append(p.remainder, rest...)
	}
}

func (p *ContentParser) checkCeiling() error {
	if p.cfg.MaxSize >= 0 && int64(len(p.body)) > p.cfg.MaxSize {
		return errors.NewSizeLimitError(errors.ProtocolErrorBodyTooLarge,
			"body exceeds "+strconv.FormatInt(p.cfg.MaxSize, 10)+" bytes")
	}
	return nil
}

// EndParse hands over the body. The parser keeps no reference to it.
func (p *ContentParser) EndParse() ([]byte, error) {
	if !p.started || p.released {
		return nil, errors.NewInvalidStateError("content EndParse called out of order")
	}
	if !p.done {
		return nil, errors.NewProtocolError(errors.ProtocolErrorIncompleteMessage, "body not complete")
	}
	body := p.body
	p.body = nil
	p.released = true
	return body, nil
}

// Done reports whether the body is complete
func (p *ContentParser) Done() bool { return p.done }

// Chunked reports whether chunked framing is in effect
func (p *ContentParser) Chunked() bool { return p.chunked }

// Expected is the announced body length, -1 when unknown
func (p *ContentParser) Expected() int64 { return p.expected }

// ReadToClose reports whether the body ends only with the connection
func (p *ContentParser) ReadToClose() bool {
	return p.started && !p.chunked && p.expected < 0
}

// Remainder holds bytes received past the end of the message
func (p *ContentParser) Remainder() []byte { return p.remainder }

func parseContentLength(value string) (int64, error) {
	value = strings.TrimSpace(value)
	// Repeated identical values are joined by the header collection
	if first, _, ok := strings.Cut(value, ","); ok {
		for _, v := range strings.Split(value, ",") {
			if strings.TrimSpace(v) != strings.TrimSpace(first) {
				return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidContentLength, "conflicting values "+strconv.Quote(value))
			}
		}
		value = strings.TrimSpace(first)
	}
	if !isDigits(value) {
		return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidContentLength, strconv.Quote(value))
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidContentLength, strconv.Quote(value))
	}
	return n, nil
}

// parseChunkSize reads the hex digits of a size line up to the first non-hex
// character. The line must end in CRLF.
func parseChunkSize(line []byte) (int64, error) {
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "chunk size line not terminated by CRLF")
	}
	var size int64
	digits := 0
	for _, c := range line {
		v, ok := hexValue(c)
		if !ok {
			break
		}
		if digits == 15 {
			return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "chunk size too large")
		}
		size = size<<4 | int64(v)
		digits++
	}
	if digits == 0 {
		return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidChunkedEncoding, "chunk size line "+strconv.Quote(string(line)))
	}
	return size, nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// AppendChunked encodes body as chunks of at most chunkSize bytes followed
// by the terminating zero chunk.
func AppendChunked(dst, body []byte, chunkSize int) []byte {
	if chunkSize <= 0 {
		chunkSize = len(body)
	}
	for len(body) > 0 {
		n := min(chunkSize, len(body))
		dst = strconv.AppendInt(dst, int64(n), 16)
		dst = append(dst, "\r\n"...)
		dst = append(dst, body[:n]...)
		dst = append(dst, "\r\n"...)
		body = body[n:]
	}
	return append(dst, "0\r\n\r\n"...)
}
