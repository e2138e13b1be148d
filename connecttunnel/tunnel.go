package connecttunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// Dialer establishes network connections through a tunnel.
type Dialer interface {
	// DialContext connects to the address on the named network using the provided context.
	// The network must be "tcp", "tcp4", or "tcp6".
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TunnelFunc is called when a tunnel is requested on the server side.
// It receives the incoming request and can inspect headers, perform authentication,
// or reject the connection by returning an error.
//
// If TunnelFunc returns an error, the tunnel is rejected and a 403 Forbidden
// response is sent to the client.
type TunnelFunc func(ctx context.Context, req *http.Request) error

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Logger is a minimal logging interface compatible with *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// HandshakeInfo describes one CONNECT handshake attempt made by a dialer.
type HandshakeInfo struct {
	// Target is the address the tunnel was requested for.
	Target string

	// Response is the parsed proxy response. Nil if none was read.
	Response *Response

	// Leftover is the number of tunneled bytes that arrived together with
	// the proxy response.
	Leftover int

	// Duration covers the CONNECT write and response read.
	Duration time.Duration

	// Err is nil when the tunnel was established.
	Err error
}

// ServerConfig configures server-side tunnel handlers.
type ServerConfig struct {
	// OnTunnel is called when a tunnel is requested.
	// If nil, all tunnels are accepted.
	// If it returns an error, the tunnel is rejected with 403 Forbidden.
	OnTunnel TunnelFunc

	// Dial is used to establish connections to upstream targets.
	// If nil, net.Dialer{}.DialContext is used.
	Dial DialFunc

	// ResponseHeader is sent with the 200 Connection Established response.
	ResponseHeader http.Header

	// ErrorLog specifies an optional logger for errors.
	// If nil, logging goes to os.Stderr via the log package's standard logger.
	ErrorLog Logger
}

// ClientConfig configures client-side tunnel dialers.
type ClientConfig struct {
	// ProxyURL is the URL of the proxy server (e.g., "http://proxy.example.com:8080").
	// Required. Scheme must be "http" or "https".
	ProxyURL string

	// TLSConfig specifies the TLS configuration for HTTPS proxies.
	// Optional. Only used when ProxyURL scheme is "https".
	TLSConfig *tls.Config

	// Header is sent with every CONNECT request.
	Header http.Header

	// HeadersForRequest is called if present for a given request to get
	// additional headers to send with the CONNECT request. Used for
	// authentication etc.
	HeadersForRequest func(req *http.Request) (http.Header, error)

	// DialContext specifies an optional dialer for establishing the proxy connection.
	// If nil, net.Dialer{}.DialContext is used.
	// This can be used to chain proxies or customize the transport layer.
	DialContext DialFunc

	// MaxHeaderBytes limits the size of the proxy's response header block.
	// Zero means DefaultMaxHeaderBytes; negative disables the limit.
	MaxHeaderBytes int

	// OnHandshake, if set, is called after every handshake attempt.
	OnHandshake func(HandshakeInfo)
}

// getDialFunc returns a DialFunc from the config, or a default dialer.
func (c *ServerConfig) getDialFunc() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	return d.DialContext
}

// getLogger returns the configured logger or a default logger.
func (c *ServerConfig) getLogger() Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return log.Default()
}

// checkTunnel calls the OnTunnel callback if configured.
// Returns nil if the tunnel should be accepted; a refusal always matches
// ErrTunnelRejected.
func (c *ServerConfig) checkTunnel(ctx context.Context, req *http.Request) error {
	if c.OnTunnel == nil {
		return nil
	}
	err := c.OnTunnel(ctx, req)
	if err == nil || errors.Is(err, ErrTunnelRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTunnelRejected, err)
}

func (c *ClientConfig) maxHeaderBytes() int {
	switch {
	case c.MaxHeaderBytes == 0:
		return DefaultMaxHeaderBytes
	case c.MaxHeaderBytes < 0:
		return 0
	}
	return c.MaxHeaderBytes
}
