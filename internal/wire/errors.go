package wire

import "fmt"

// ErrorCode is the error vocabulary surfaced on the wire, either inside an
// error ACK or as the reason behind a close.
type ErrorCode string

const (
	CodeUnauthorized ErrorCode = "UNAUTHORIZED" // missing or invalid grant
	CodeForbidden    ErrorCode = "FORBIDDEN"    // scope, subscription, or pause violation
	CodeInvalid      ErrorCode = "INVALID"      // malformed packet or payload
	CodeRateLimited  ErrorCode = "RATE_LIMITED" // topic capacity or message rate
	CodeInternal     ErrorCode = "INTERNAL"     // unexpected
)

// WebSocket close codes. Used when an error has no request correlation to
// answer with an ACK.
const (
	CloseBadRequest      = 4400
	CloseUnauthorized    = 4401
	CloseForbidden       = 4403
	CloseVersionMismatch = 4409
	CloseInternal        = 4500
)

// Error is a typed wire error. It maps onto an error ACK when the request
// asked for one, or onto a close frame otherwise.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a typed wire error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CloseCode maps the error to its WebSocket close code.
func (e *Error) CloseCode() int {
	switch e.Code {
	case CodeUnauthorized:
		return CloseUnauthorized
	case CodeForbidden:
		return CloseForbidden
	case CodeInvalid:
		return CloseBadRequest
	case CodeRateLimited:
		// Capacity problems without ack correlation read as policy refusals.
		return CloseForbidden
	default:
		return CloseInternal
	}
}

// AsWireError coerces err into a *Error, wrapping unknown errors as INTERNAL
// so storage and transport failures never leak internals to clients.
func AsWireError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
