package connecttunnel

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

func init() {
	proxy.RegisterDialerType("http", FromURL)
	proxy.RegisterDialerType("https", FromURL)
}

var (
	_ proxy.Dialer        = (*h1Dialer)(nil)
	_ proxy.ContextDialer = (*h1Dialer)(nil)
)

// FromURL returns an HTTP/1.1 CONNECT dialer for an "http" or "https" proxy
// URL, in the form expected by proxy.RegisterDialerType. User info in u is
// sent as Basic Proxy-Authorization. The proxy connection itself is made
// with forward.
func FromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	cfg := &ClientConfig{
		ProxyURL: (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(),
	}
	if u.User != nil {
		passwd, _ := u.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + passwd))
		cfg.Header = http.Header{
			"Proxy-Authorization": {"Basic " + creds},
		}
	}
	if forward != nil {
		cfg.DialContext = forwardDialFunc(forward)
	}
	d, err := newH1Dialer(cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func forwardDialFunc(forward proxy.Dialer) DialFunc {
	if cd, ok := forward.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return forward.Dial(network, address)
	}
}
