// Package connecttunnel provides TCP tunneling over the HTTP/1.1 CONNECT
// method (RFC 9110, section 9.3.6).
//
// # Reading proxy responses
//
// ResponseReader consumes a proxy's reply to CONNECT from a byte stream
// until the blank line ending the header block, and returns the status line,
// the headers, and every byte it read. Bytes past the header terminator
// belong to the tunnel and are available from ParseResult.Leftover:
//
//	result, err := connecttunnel.ReadResponse(conn)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Response.StatusCode, result.Response.Header.Get("proxy-agent"))
//	payload := result.Leftover()
//
// Header names are lower-cased and kept in order of first occurrence. A
// header that repeats keeps every value in order; see Header.Values.
//
// # Client Usage
//
// Create a dialer that connects through a proxy:
//
//	cfg := &connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy.example.com:8080",
//	}
//	dialer := connecttunnel.NewH1Dialer(cfg)
//	conn, err := dialer.DialContext(ctx, "tcp", "example.com:443")
//
// The returned connection is a *TunnelConn, which replays any tunneled
// bytes that arrived with the proxy response before reading the socket.
//
// Importing the package also registers the "http" and "https" schemes with
// golang.org/x/net/proxy, so proxy.FromURL returns a CONNECT dialer for
// those URLs.
//
// # Server Usage
//
// Create a handler that accepts CONNECT requests and establishes tunnels:
//
//	cfg := &connecttunnel.ServerConfig{
//	    OnTunnel: func(ctx context.Context, req *http.Request) error {
//	        // Optional: authenticate, log, or reject connections
//	        return nil
//	    },
//	}
//	handler := connecttunnel.NewH1Handler(cfg)
//	http.ListenAndServe(":8080", handler)
//
// # Composability
//
// Dialers can be chained to stack multiple proxies:
//
//	dialer1 := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy1:8080",
//	})
//	dialer2 := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL:    "https://proxy2:8443",
//	    DialContext: dialer1.DialContext,
//	})
package connecttunnel
