package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorTransport
	ErrorProtocol
	ErrorSizeLimit
	ErrorTimeout
	ErrorInvalidArgument
	ErrorInvalidState
	ErrorStatus
	ErrorAdmission
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTransport:
		return "Transport error"
	case ErrorProtocol:
		return "Protocol error"
	case ErrorSizeLimit:
		return "Size limit exceeded"
	case ErrorTimeout:
		return "Timeout"
	case ErrorInvalidArgument:
		return "Invalid argument"
	case ErrorInvalidState:
		return "Invalid state"
	case ErrorStatus:
		return "Unexpected status"
	case ErrorAdmission:
		return "Admission rejected"
	default:
		return "Unknown error"
	}
}

// TransportError represents transport-layer specific errors
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketConnectFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorConnectionClosed
	TransportErrorDnsFailure
	TransportErrorListenFailure
	TransportErrorAcceptFailure
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
)

func (e TransportError) String() string {
	switch e {
	case TransportErrorSocketCreateFailure:
		return "socket creation failed"
	case TransportErrorSocketConnectFailure:
		return "socket connection failed"
	case TransportErrorSocketReadFailure:
		return "socket read failed"
	case TransportErrorSocketWriteFailure:
		return "socket write failed"
	case TransportErrorConnectionClosed:
		return "connection closed"
	case TransportErrorDnsFailure:
		return "DNS lookup failed"
	case TransportErrorListenFailure:
		return "listen failed"
	case TransportErrorAcceptFailure:
		return "accept failed"
	case TransportErrorIoUringInit:
		return "io_uring initialization failed"
	case TransportErrorIoUringSubmit:
		return "io_uring submission failed"
	default:
		return fmt.Sprintf("transport error %d", int(e))
	}
}

// ProtocolError represents protocol-layer specific errors
type ProtocolError int

const (
	ProtocolErrorNone ProtocolError = iota
	ProtocolErrorInvalidRequestLine
	ProtocolErrorInvalidStatusLine
	ProtocolErrorInvalidHeader
	ProtocolErrorInvalidContentLength
	ProtocolErrorInvalidChunkedEncoding
	ProtocolErrorContentLengthMismatch
	ProtocolErrorIncompleteMessage
	ProtocolErrorHeaderTooLarge
	ProtocolErrorBodyTooLarge
)

func (e ProtocolError) String() string {
	switch e {
	case ProtocolErrorInvalidRequestLine:
		return "invalid request line"
	case ProtocolErrorInvalidStatusLine:
		return "invalid status line"
	case ProtocolErrorInvalidHeader:
		return "invalid header"
	case ProtocolErrorInvalidContentLength:
		return "invalid Content-Length"
	case ProtocolErrorInvalidChunkedEncoding:
		return "invalid chunked encoding"
	case ProtocolErrorContentLengthMismatch:
		return "Content-Length mismatch"
	case ProtocolErrorIncompleteMessage:
		return "incomplete message"
	case ProtocolErrorHeaderTooLarge:
		return "header block too large"
	case ProtocolErrorBodyTooLarge:
		return "body too large"
	default:
		return fmt.Sprintf("protocol error %d", int(e))
	}
}

// HttpError is the main error type of the engine
type HttpError struct {
	Type          ErrorType
	TransportErr  TransportError
	ProtocolErr   ProtocolError
	StatusCode    int
	Message       string
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	var typeStr string
	switch e.Type {
	case ErrorTransport:
		typeStr = fmt.Sprintf("%s (%s)", e.Type, e.TransportErr)
	case ErrorProtocol, ErrorSizeLimit:
		typeStr = fmt.Sprintf("%s (%s)", e.Type, e.ProtocolErr)
	case ErrorStatus:
		typeStr = fmt.Sprintf("%s (%d)", e.Type, e.StatusCode)
	default:
		typeStr = e.Type.String()
	}

	if e.Message != "" {
		typeStr = fmt.Sprintf("%s: %s", typeStr, e.Message)
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", typeStr, e.UnderlyingErr)
	}

	return typeStr
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorProtocol,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewSizeLimitError creates an error for a header block or body over its ceiling
func NewSizeLimitError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorSizeLimit,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTimeout,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// NewInvalidStateError reports an operation called out of order
func NewInvalidStateError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidState,
		Message: message,
	}
}

// NewStatusError reports a response whose status the caller does not accept
func NewStatusError(code int, reason string) *HttpError {
	return &HttpError{
		Type:       ErrorStatus,
		StatusCode: code,
		Message:    reason,
	}
}

// NewAdmissionError reports a connection refused by the connection ceiling
func NewAdmissionError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorAdmission,
		Message: message,
	}
}

// As finds the first *HttpError in err's chain
func As(err error) (*HttpError, bool) {
	var httpErr *HttpError
	if stderrors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

func isType(err error, t ErrorType) bool {
	httpErr, ok := As(err)
	return ok && httpErr.Type == t
}

// IsTimeout reports whether err is a query deadline expiry
func IsTimeout(err error) bool { return isType(err, ErrorTimeout) }

// IsProtocol reports whether err is a framing or syntax error
func IsProtocol(err error) bool { return isType(err, ErrorProtocol) }

// IsSizeLimit reports whether err is a header or body ceiling violation
func IsSizeLimit(err error) bool { return isType(err, ErrorSizeLimit) }

// IsInvalidState reports whether err comes from an out-of-order call
func IsInvalidState(err error) bool { return isType(err, ErrorInvalidState) }

// IsStatus reports whether err carries an unaccepted response status
func IsStatus(err error) bool { return isType(err, ErrorStatus) }

// IsConnectionClosed reports whether err means the peer closed its side
func IsConnectionClosed(err error) bool {
	httpErr, ok := As(err)
	return ok && httpErr.Type == ErrorTransport && httpErr.TransportErr == TransportErrorConnectionClosed
}
