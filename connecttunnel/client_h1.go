package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O when
// the dial context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// h1Dialer implements Dialer for HTTP/1.1 CONNECT proxies.
type h1Dialer struct {
	proxyAddr      string
	proxyHost      string
	useTLS         bool
	tlsConfig      *tls.Config
	header         http.Header
	headerFunc     func(req *http.Request) (http.Header, error)
	maxHeaderBytes int
	onHandshake    func(HandshakeInfo)
	dial           DialFunc
}

// NewH1Dialer creates a Dialer that connects through an HTTP/1.1 proxy.
// The proxy URL must use "http" or "https" scheme.
func NewH1Dialer(cfg *ClientConfig) Dialer {
	d, err := newH1Dialer(cfg)
	if err != nil {
		panic(err.Error())
	}
	return d
}

func newH1Dialer(cfg *ClientConfig) (*h1Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("connecttunnel: invalid proxy URL: %v", err)
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("connecttunnel: unsupported proxy scheme %q", proxyURL.Scheme)
	}

	useTLS := proxyURL.Scheme == "https"
	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		if useTLS {
			proxyHost = net.JoinHostPort(proxyURL.Hostname(), "443")
		} else {
			proxyHost = net.JoinHostPort(proxyURL.Hostname(), "80")
		}
	}

	dial := cfg.DialContext
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	return &h1Dialer{
		proxyAddr:      proxyHost,
		proxyHost:      proxyURL.Hostname(),
		useTLS:         useTLS,
		tlsConfig:      cfg.TLSConfig,
		header:         cfg.Header,
		headerFunc:     cfg.HeadersForRequest,
		maxHeaderBytes: cfg.maxHeaderBytes(),
		onHandshake:    cfg.OnHandshake,
		dial:           dial,
	}, nil
}

// Dial connects to address through the proxy without a context.
// It lets h1Dialer serve as a golang.org/x/net/proxy.Dialer.
func (d *h1Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext establishes a connection through the HTTP/1.1 proxy.
//
// A successful result is a *TunnelConn. If the proxy answers with a non-2xx
// status the error is a *ProxyError and the connection is closed.
func (d *h1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("connecttunnel: unsupported network: %s", network)
	}

	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}

	if d.useTLS {
		tlsConfig := d.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: d.proxyHost}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = d.proxyHost
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrProxyConnect, err)
		}
		conn = tlsConn
	}

	tc, err := d.handshake(ctx, conn, address)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// handshake writes the CONNECT request and reads the proxy's answer. Once
// ctx is done the connection deadline is moved into the past, which unblocks
// both.
func (d *h1Dialer) handshake(ctx context.Context, conn net.Conn, address string) (tc *TunnelConn, err error) {
	start := time.Now()
	info := HandshakeInfo{Target: address}
	defer func() {
		if d.onHandshake != nil {
			info.Duration = time.Since(start)
			info.Err = err
			d.onHandshake(info)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	maps.Copy(req.Header, d.header)
	if d.headerFunc != nil {
		addlHeaders, err := d.headerFunc(req)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get additional headers: %v", ErrProxyConnect, err)
		}
		maps.Copy(req.Header, addlHeaders)
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("%w: failed to write request: %w", ErrProxyConnect, contextErr(ctx, err))
	}

	result, err := NewResponseReader(d.maxHeaderBytes).Parse(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrProxyConnect, contextErr(ctx, err))
	}
	info.Response = result.Response
	info.Leftover = len(result.Leftover())

	resp := result.Response
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProxyError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status(),
			Header:     resp.Header.HTTPHeader(),
		}
	}

	if !stop() {
		return nil, fmt.Errorf("%w: %w", ErrProxyConnect, ctx.Err())
	}

	return newTunnelConn(conn, result), nil
}

// contextErr prefers the context's error once it is done; a cancelled
// handshake otherwise surfaces as an i/o timeout.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
