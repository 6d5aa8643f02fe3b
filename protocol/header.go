package protocol

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nczempin/httpengine/errors"
)

// DefaultMaxHeaderSize bounds the bytes accumulated before the header
// terminator when no explicit limit is given.
const DefaultMaxHeaderSize = 64 * 1024

// TimeFormat is the RFC 1123 layout used for Date headers. Times must be UTC.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var headerTerminator = []byte("\r\n\r\n")

// HeaderCollection holds the start line and header block of one message.
// Either the request line (method, raw URI, version) or the status line
// (version, status code, reason) is meaningful, fixed by isRequest.
type HeaderCollection struct {
	isRequest bool

	method     string
	rawURI     string
	statusCode int
	reason     string
	version    Version

	headers []Header
	index   map[string]int

	// parse state
	ready      bool
	inParse    bool
	maxSize    int
	buf        []byte
	bodyOffset int
}

// NewRequestHeader creates a complete request header for transmission
func NewRequestHeader(method, rawURI string, version Version) *HeaderCollection {
	return &HeaderCollection{
		isRequest:  true,
		method:     method,
		rawURI:     rawURI,
		version:    version,
		index:      make(map[string]int),
		ready:      true,
		bodyOffset: -1,
	}
}

// NewResponseHeader creates a complete response header for transmission.
// An empty reason is filled from the status table.
func NewResponseHeader(version Version, statusCode int, reason string) *HeaderCollection {
	if reason == "" {
		reason = StatusText(statusCode)
	}
	return &HeaderCollection{
		version:    version,
		statusCode: statusCode,
		reason:     reason,
		index:      make(map[string]int),
		ready:      true,
		bodyOffset: -1,
	}
}

// NewParsingHeader creates an empty header to be filled through
// BeginParse/Parse/EndParse. maxSize 0 selects DefaultMaxHeaderSize,
// a negative maxSize disables the limit.
func NewParsingHeader(isRequest bool, maxSize int) *HeaderCollection {
	if maxSize == 0 {
		maxSize = DefaultMaxHeaderSize
	}
	return &HeaderCollection{
		isRequest:  isRequest,
		index:      make(map[string]int),
		maxSize:    maxSize,
		bodyOffset: -1,
	}
}

// BeginParse resets the accumulation buffer
func (h *HeaderCollection) BeginParse() error {
	if h.inParse {
		return errors.NewInvalidStateError("header BeginParse called twice without EndParse")
	}
	h.inParse = true
	h.ready = false
	h.buf = h.buf[:0]
	h.bodyOffset = -1
	return nil
}

// Parse appends data and reports whether the CRLFCRLF terminator has been
// seen. Empty data is no progress, not an error.
func (h *HeaderCollection) Parse(data []byte) (bool, error) {
	if !h.inParse {
		return false, errors.NewInvalidStateError("header Parse called outside BeginParse/EndParse")
	}
	if h.bodyOffset >= 0 {
		h.buf = append(h.buf, data...)
		return true, nil
	}
	if len(data) == 0 {
		return false, nil
	}

	start := len(h.buf)
	h.buf = append(h.buf, data...)

	// The terminator can straddle the previous chunk only if this one
	// starts with CR or LF.
	scanFrom := start
	if data[0] == '\r' || data[0] == '\n' {
		scanFrom = max(0, start-3)
	}

	if pos := bytes.Index(h.buf[scanFrom:], headerTerminator); pos >= 0 {
		h.bodyOffset = scanFrom + pos + len(headerTerminator)
		if h.maxSize > 0 && h.bodyOffset > h.maxSize {
			return false, errors.NewSizeLimitError(errors.ProtocolErrorHeaderTooLarge,
				"header block of "+strconv.Itoa(h.bodyOffset)+" bytes exceeds "+strconv.Itoa(h.maxSize))
		}
		return true, nil
	}

	if h.maxSize > 0 && len(h.buf) > h.maxSize {
		return false, errors.NewSizeLimitError(errors.ProtocolErrorHeaderTooLarge,
			"no header terminator within "+strconv.Itoa(h.maxSize)+" bytes")
	}
	return false, nil
}

// BodyOffset is the logical offset of the first body byte, or -1 before
// the terminator was found.
func (h *HeaderCollection) BodyOffset() int {
	return h.bodyOffset
}

// EndParse parses the accumulated header block. It returns every byte
// received so far and the offset of the first body byte within them.
func (h *HeaderCollection) EndParse() ([]byte, int, error) {
	if !h.inParse {
		return nil, 0, errors.NewInvalidStateError("header EndParse called without BeginParse")
	}
	h.inParse = false
	raw, offset := h.buf, h.bodyOffset
	h.buf = nil

	if offset < 0 {
		return raw, 0, errors.NewProtocolError(errors.ProtocolErrorIncompleteMessage, "header terminator not found")
	}
	if err := h.parseBlock(string(raw[:offset-len(headerTerminator)])); err != nil {
		return raw, offset, err
	}
	h.ready = true
	return raw, offset, nil
}

func (h *HeaderCollection) parseBlock(block string) error {
	lines := strings.Split(block, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	// Empty lines ahead of the start line are tolerated
	first := 0
	for first < len(lines)-1 && lines[first] == "" {
		first++
	}

	if h.isRequest {
		if err := h.parseRequestLine(lines[first]); err != nil {
			return err
		}
	} else if err := h.parseStatusLine(lines[first]); err != nil {
		return err
	}

	h.headers = h.headers[:0]
	clear(h.index)
	last := -1
	for _, line := range lines[first+1:] {
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last < 0 {
				return errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, "continuation line without a header")
			}
			if cont := strings.TrimSpace(line); h.headers[last].Value == "" {
				h.headers[last].Value = cont
			} else if cont != "" {
				h.headers[last].Value += " " + cont
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, "missing colon in "+strconv.Quote(line))
		}
		if !validHeaderName(name) {
			return errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, "bad header name "+strconv.Quote(name))
		}
		last = h.addLast(name, strings.TrimSpace(value))
	}
	return nil
}

func (h *HeaderCollection) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return errors.NewProtocolError(errors.ProtocolErrorInvalidRequestLine, strconv.Quote(line))
	}
	version, ok := parseVersion(parts[2])
	if !ok {
		return errors.NewProtocolError(errors.ProtocolErrorInvalidRequestLine, "bad version "+strconv.Quote(parts[2]))
	}
	h.method, h.rawURI, h.version = parts[0], parts[1], version
	return nil
}

func (h *HeaderCollection) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine, strconv.Quote(line))
	}
	version, ok := parseVersion(parts[0])
	if !ok {
		return errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine, "bad version "+strconv.Quote(parts[0]))
	}
	if len(parts[1]) != 3 || !isDigits(parts[1]) {
		return errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine, "bad status code "+strconv.Quote(parts[1]))
	}
	code, _ := strconv.Atoi(parts[1])

	h.version, h.statusCode, h.reason = version, code, ""
	if len(parts) == 3 {
		h.reason = parts[2]
	}
	return nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

func headerKey(name string) string {
	return strings.ToLower(name)
}

// addLast stores a header, comma-joining onto an existing one of the same
// name, and returns its position.
func (h *HeaderCollection) addLast(name, value string) int {
	key := headerKey(name)
	if i, ok := h.index[key]; ok {
		h.headers[i].Value += ", " + value
		return i
	}
	h.index[key] = len(h.headers)
	h.headers = append(h.headers, Header{Name: name, Value: value})
	return len(h.headers) - 1
}

// IsRequest reports whether the collection carries a request line
func (h *HeaderCollection) IsRequest() bool { return h.isRequest }

// Ready reports whether the collection can be queried
func (h *HeaderCollection) Ready() bool { return h.ready }

func (h *HeaderCollection) Method() string   { return h.method }
func (h *HeaderCollection) RawURI() string   { return h.rawURI }
func (h *HeaderCollection) Version() Version { return h.version }
func (h *HeaderCollection) StatusCode() int  { return h.statusCode }
func (h *HeaderCollection) Reason() string   { return h.reason }

// SetVersion changes the version written on the start line
func (h *HeaderCollection) SetVersion(v Version) { h.version = v }

// Lookup returns the header with the given name, ignoring case
func (h *HeaderCollection) Lookup(name string) (Header, bool) {
	if !h.ready {
		return Header{}, false
	}
	i, ok := h.index[headerKey(name)]
	if !ok {
		return Header{}, false
	}
	return h.headers[i], true
}

// Get returns the value of the named header or ""
func (h *HeaderCollection) Get(name string) string {
	hdr, _ := h.Lookup(name)
	return hdr.Value
}

// Has reports whether the named header is present
func (h *HeaderCollection) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// HasToken reports whether the comma-separated value of name contains
// token, ignoring case.
func (h *HeaderCollection) HasToken(name, token string) bool {
	value, ok := h.Lookup(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(value.Value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// IntValue interprets the named header as a decimal integer
func (h *HeaderCollection) IntValue(name string) (int64, error) {
	hdr, ok := h.Lookup(name)
	if !ok {
		return 0, errors.NewInvalidArgumentError("header " + name + " not present")
	}
	n, err := strconv.ParseInt(hdr.Value, 10, 64)
	if err != nil {
		return 0, errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, name+": "+strconv.Quote(hdr.Value))
	}
	return n, nil
}

// Int is IntValue returning fallback on any failure
func (h *HeaderCollection) Int(name string, fallback int64) int64 {
	n, err := h.IntValue(name)
	if err != nil {
		return fallback
	}
	return n
}

// DateValue interprets the named header as an RFC 1123 date
func (h *HeaderCollection) DateValue(name string) (time.Time, error) {
	hdr, ok := h.Lookup(name)
	if !ok {
		return time.Time{}, errors.NewInvalidArgumentError("header " + name + " not present")
	}
	t, err := time.Parse(time.RFC1123, hdr.Value)
	if err != nil {
		return time.Time{}, errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, name+": "+strconv.Quote(hdr.Value))
	}
	return t, nil
}

// Date is DateValue returning fallback on any failure
func (h *HeaderCollection) Date(name string, fallback time.Time) time.Time {
	t, err := h.DateValue(name)
	if err != nil {
		return fallback
	}
	return t
}

// URIValue interprets the named header as a URI reference
func (h *HeaderCollection) URIValue(name string) (*url.URL, error) {
	hdr, ok := h.Lookup(name)
	if !ok {
		return nil, errors.NewInvalidArgumentError("header " + name + " not present")
	}
	u, err := url.Parse(hdr.Value)
	if err != nil {
		return nil, errors.NewProtocolError(errors.ProtocolErrorInvalidHeader, name+": "+strconv.Quote(hdr.Value))
	}
	return u, nil
}

// URI is URIValue returning fallback on any failure
func (h *HeaderCollection) URI(name string, fallback *url.URL) *url.URL {
	u, err := h.URIValue(name)
	if err != nil {
		return fallback
	}
	return u
}

// Set replaces any header of that name, keeping its position
func (h *HeaderCollection) Set(name, value string) {
	if i, ok := h.index[headerKey(name)]; ok {
		h.headers[i] = Header{Name: name, Value: value}
		return
	}
	h.index[headerKey(name)] = len(h.headers)
	h.headers = append(h.headers, Header{Name: name, Value: value})
}

// Add appends a value, comma-joining with an existing header of that name
func (h *HeaderCollection) Add(name, value string) {
	h.addLast(name, value)
}

// Del removes the named header
func (h *HeaderCollection) Del(name string) {
	key := headerKey(name)
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.headers = append(h.headers[:i], h.headers[i+1:]...)
	delete(h.index, key)
	for j := i; j < len(h.headers); j++ {
		h.index[headerKey(h.headers[j].Name)] = j
	}
}

// All returns the headers in arrival order
func (h *HeaderCollection) All() []Header {
	if !h.ready {
		return nil
	}
	return append([]Header(nil), h.headers...)
}

// Len is the number of distinct headers
func (h *HeaderCollection) Len() int {
	if !h.ready {
		return 0
	}
	return len(h.headers)
}

// Clone returns an independent copy of a ready collection
func (h *HeaderCollection) Clone() *HeaderCollection {
	c := *h
	c.headers = append([]Header(nil), h.headers...)
	c.index = make(map[string]int, len(h.index))
	for k, v := range h.index {
		c.index[k] = v
	}
	c.buf = nil
	c.inParse = false
	return &c
}

// AppendBytes renders the start line, one "Name: Value" line per header
// and the blank line that ends the block.
func (h *HeaderCollection) AppendBytes(dst []byte) []byte {
	if h.isRequest {
		dst = append(dst, h.method...)
		dst = append(dst, ' ')
		dst = append(dst, h.rawURI...)
		dst = append(dst, ' ')
		dst = append(dst, h.version.String()...)
	} else {
		dst = append(dst, h.version.String()...)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(h.statusCode), 10)
		dst = append(dst, ' ')
		dst = append(dst, h.reason...)
	}
	dst = append(dst, "\r\n"...)
	for _, hdr := range h.headers {
		dst = append(dst, hdr.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, hdr.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}
