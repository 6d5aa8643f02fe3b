package protocol

import (
	"strconv"
	"strings"
)

// Request methods with special handling in the engine. Any token is accepted
// as a method; these are the ones the engine looks at.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
	MethodConnect = "CONNECT"
	MethodTrace   = "TRACE"
)

// Well-known header names
const (
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderConnection       = "Connection"
	HeaderHost             = "Host"
	HeaderDate             = "Date"
	HeaderServer           = "Server"
	HeaderCacheControl     = "Cache-Control"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderVary             = "Vary"
)

// Version is an HTTP protocol version, HTTP/Major.Minor
type Version struct {
	Major int
	Minor int
}

var (
	Version10 = Version{Major: 1, Minor: 0}
	Version11 = Version{Major: 1, Minor: 1}
)

func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Less reports whether v is older than other
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// parseVersion accepts "HTTP/<digits>.<digits>".
func parseVersion(s string) (Version, bool) {
	rest, ok := strings.CutPrefix(s, "HTTP/")
	if !ok {
		return Version{}, false
	}
	major, minor, ok := strings.Cut(rest, ".")
	if !ok || !isDigits(major) || !isDigits(minor) {
		return Version{}, false
	}
	ma, err1 := strconv.Atoi(major)
	mi, err2 := strconv.Atoi(minor)
	if err1 != nil || err2 != nil {
		return Version{}, false
	}
	return Version{Major: ma, Minor: mi}, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Header represents one HTTP header. Name keeps the case it arrived or was
// set with; lookups ignore case.
type Header struct {
	Name  string
	Value string
}
