package connecttunnel

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the package.
var (
	// ErrPrematureEnd is returned when the proxy closes the connection before
	// a complete response header block has been received.
	ErrPrematureEnd = errors.New("connecttunnel: proxy connection ended before receiving CONNECT response")

	// ErrMissingStatusLine is returned when the header terminator arrives
	// with no status line in front of it.
	ErrMissingStatusLine = errors.New("connecttunnel: no header received")

	// ErrMalformedHeader is matched by *MalformedHeaderError.
	ErrMalformedHeader = errors.New("connecttunnel: invalid header")

	// ErrInvalidStatusCode is matched by *StatusCodeError.
	ErrInvalidStatusCode = errors.New("connecttunnel: invalid status code")

	// ErrHeaderTooLarge is returned when the response header block exceeds
	// the configured limit.
	ErrHeaderTooLarge = errors.New("connecttunnel: response header too large")

	// ErrReaderUsed is returned when Parse is called on a ResponseReader
	// that has already run.
	ErrReaderUsed = errors.New("connecttunnel: response reader already used")

	// ErrTunnelRejected may be returned by an OnTunnel callback to refuse a
	// tunnel. Any non-nil callback error is answered with 403 Forbidden and
	// logged wrapped in ErrTunnelRejected.
	ErrTunnelRejected = errors.New("connecttunnel: tunnel rejected by callback")

	// ErrProxyConnect is returned when the proxy connection fails.
	ErrProxyConnect = errors.New("connecttunnel: proxy connection failed")
)

// MalformedHeaderError reports a header line without a colon.
type MalformedHeaderError struct {
	// Line is the raw header line as received.
	Line string
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("connecttunnel: invalid header: %q", e.Line)
}

// Is reports whether target is ErrMalformedHeader.
func (e *MalformedHeaderError) Is(target error) bool {
	return target == ErrMalformedHeader
}

// StatusCodeError reports a status line whose code is not three digits.
type StatusCodeError struct {
	// Line is the full status line.
	Line string
	// Token is the text found where the status code should be.
	Token string
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("connecttunnel: invalid status code %q in status line %q", e.Token, e.Line)
}

// Is reports whether target is ErrInvalidStatusCode.
func (e *StatusCodeError) Is(target error) bool {
	return target == ErrInvalidStatusCode
}

// ProxyError represents a non-2xx response from a proxy server.
type ProxyError struct {
	// StatusCode is the HTTP status code returned by the proxy.
	StatusCode int

	// Status is the status code and reason phrase (e.g., "403 Forbidden").
	Status string

	// Header holds the response headers sent with the refusal.
	Header http.Header
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("connecttunnel: proxy returned %s", e.Status)
}

// Is implements error matching for ProxyError.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}
