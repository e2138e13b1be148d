package connecttunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// startEcho starts a TCP server that echoes everything it reads.
func startEcho(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create echo server: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return listener.Addr().String()
}

// startFakeProxy starts a raw TCP server that reads one CONNECT request per
// connection and hands the connection to respond.
func startFakeProxy(t *testing.T, respond func(c net.Conn, req *http.Request)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create fake proxy: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				respond(c, req)
			}(conn)
		}
	}()
	return "http://" + listener.Addr().String()
}

// recordingLogger collects handler log lines.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// roundTrip writes message to conn and reads the same number of bytes back.
func roundTrip(t *testing.T, conn net.Conn, message string) string {
	t.Helper()
	if _, err := conn.Write([]byte(message)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(message))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	return string(buf)
}

// TestH1ServerClient tests HTTP/1.1 CONNECT tunnel.
func TestH1ServerClient(t *testing.T) {
	echoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	defer echoServer.Close()

	proxyHandler := NewH1Handler(&ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			t.Logf("Tunnel to: %s", req.RequestURI)
			return nil
		},
	})
	proxyServer := httptest.NewServer(proxyHandler)
	defer proxyServer.Close()

	dialer := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
	})

	echoAddr := strings.TrimPrefix(echoServer.URL, "http://")

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	message := "Hello, World!"
	req := fmt.Sprintf("POST / HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		echoAddr, len(message), message)

	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	response := string(buf[:n])
	if !strings.Contains(response, message) {
		t.Errorf("Response does not contain echo: %s", response)
	}
}

// TestH1ServerClientTLS tests HTTP/1.1 CONNECT through an https proxy.
func TestH1ServerClientTLS(t *testing.T) {
	echoAddr := startEcho(t)

	proxyServer := httptest.NewTLSServer(NewH1Handler(nil))
	defer proxyServer.Close()

	t.Run("InsecureSkipVerify", func(t *testing.T) {
		dialer := NewH1Dialer(&ClientConfig{
			ProxyURL: proxyServer.URL,
			TLSConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		})

		conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
		if err != nil {
			t.Fatalf("Failed to dial through TLS proxy: %v", err)
		}
		defer conn.Close()

		tc, ok := conn.(*TunnelConn)
		if !ok {
			t.Fatalf("Expected *TunnelConn, got %T", conn)
		}
		if _, ok := tc.Conn.(*tls.Conn); !ok {
			t.Errorf("Expected tunnel over *tls.Conn, got %T", tc.Conn)
		}
		if got := roundTrip(t, conn, "tls ping"); got != "tls ping" {
			t.Errorf("Expected echo tls ping, got %q", got)
		}
	})

	// The proxy certificate is valid for 127.0.0.1, so verification only
	// passes when the dialer fills in ServerName from the proxy URL.
	t.Run("VerifiedServerName", func(t *testing.T) {
		pool := x509.NewCertPool()
		pool.AddCert(proxyServer.Certificate())
		cfg := &tls.Config{RootCAs: pool}

		dialer := NewH1Dialer(&ClientConfig{
			ProxyURL:  proxyServer.URL,
			TLSConfig: cfg,
		})

		conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
		if err != nil {
			t.Fatalf("Failed to dial through TLS proxy: %v", err)
		}
		defer conn.Close()

		if cfg.ServerName != "" {
			t.Errorf("Caller's TLS config was modified: ServerName=%q", cfg.ServerName)
		}
		if got := roundTrip(t, conn, "verified"); got != "verified" {
			t.Errorf("Expected echo verified, got %q", got)
		}
	})

	t.Run("UntrustedCertificate", func(t *testing.T) {
		dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyServer.URL})

		_, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
		if err == nil {
			t.Fatal("Expected TLS handshake to fail")
		}
		if !errors.Is(err, ErrProxyConnect) {
			t.Errorf("Expected ErrProxyConnect, got %v", err)
		}
		if !strings.Contains(err.Error(), "tls handshake") {
			t.Errorf("Expected tls handshake error, got %v", err)
		}
	})
}

// TestH1ResponseHeaders checks that headers sent by the proxy with its 200
// response are exposed on the tunnel connection.
func TestH1ResponseHeaders(t *testing.T) {
	echoAddr := startEcho(t)

	proxyServer := httptest.NewServer(NewH1Handler(&ServerConfig{
		ResponseHeader: http.Header{
			"Proxy-Agent": {"netrelay"},
			"Via":         {"1.1 a", "1.1 b"},
		},
	}))
	defer proxyServer.Close()

	dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyServer.URL})
	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	tc, ok := conn.(*TunnelConn)
	if !ok {
		t.Fatalf("Expected *TunnelConn, got %T", conn)
	}
	resp := tc.ConnectResponse()
	if resp.StatusCode != http.StatusOK || resp.StatusText != "Connection Established" {
		t.Errorf("Unexpected status: %q", resp.Status())
	}
	if got := resp.Header.Get("proxy-agent"); got != "netrelay" {
		t.Errorf("Expected proxy-agent netrelay, got %q", got)
	}
	if got := resp.Header.Values("via"); len(got) != 2 || got[0] != "1.1 a" || got[1] != "1.1 b" {
		t.Errorf("Expected via [1.1 a 1.1 b], got %q", got)
	}

	if got := roundTrip(t, conn, "ping"); got != "ping" {
		t.Errorf("Expected echo ping, got %q", got)
	}
}

// TestTunnelRejection tests that OnTunnel callback can reject connections.
func TestTunnelRejection(t *testing.T) {
	logger := &recordingLogger{}
	proxyHandler := NewH1Handler(&ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			return fmt.Errorf("access denied")
		},
		ErrorLog: logger,
	})
	proxyServer := httptest.NewServer(proxyHandler)
	defer proxyServer.Close()

	dialer := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
	})

	_, err := dialer.DialContext(context.Background(), "tcp", "example.com:80")
	if err == nil {
		t.Fatal("Expected connection to be rejected")
	}

	var proxyErr *ProxyError
	if !errors.As(err, &proxyErr) {
		t.Fatalf("Expected ProxyError, got: %v", err)
	}
	if proxyErr.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", proxyErr.StatusCode)
	}
	if proxyErr.Status != "403 Forbidden" {
		t.Errorf("Expected status 403 Forbidden, got %q", proxyErr.Status)
	}
	if !strings.Contains(err.Error(), "proxy returned") {
		t.Errorf("Expected proxy error, got: %v", err)
	}
	if got := logger.String(); !strings.Contains(got, ErrTunnelRejected.Error()+": access denied") {
		t.Errorf("Expected logged rejection, got %q", got)
	}
}

func TestCheckTunnel(t *testing.T) {
	req := httptest.NewRequest(http.MethodConnect, "http://example.com:443", nil)

	cfg := &ServerConfig{}
	if err := cfg.checkTunnel(context.Background(), req); err != nil {
		t.Errorf("Expected no callback to accept, got %v", err)
	}

	cfg.OnTunnel = func(ctx context.Context, req *http.Request) error {
		return ErrTunnelRejected
	}
	if err := cfg.checkTunnel(context.Background(), req); err != ErrTunnelRejected {
		t.Errorf("Expected ErrTunnelRejected unwrapped, got %v", err)
	}

	denied := errors.New("denied")
	cfg.OnTunnel = func(ctx context.Context, req *http.Request) error {
		return denied
	}
	err := cfg.checkTunnel(context.Background(), req)
	if !errors.Is(err, ErrTunnelRejected) || !errors.Is(err, denied) {
		t.Errorf("Expected error wrapping ErrTunnelRejected and the cause, got %v", err)
	}
}

// TestLeftoverReplay checks that tunneled bytes sent in the same write as
// the proxy response reach the caller before later bytes.
func TestLeftoverReplay(t *testing.T) {
	proxyURL := startFakeProxy(t, func(c net.Conn, req *http.Request) {
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\nProxy-agent: fake\r\n\r\nearly-bytes")
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(c, "|late-bytes")
	})

	dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyURL})
	conn, err := dialer.DialContext(context.Background(), "tcp", "example.com:443")
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	tc, ok := conn.(*TunnelConn)
	if !ok {
		t.Fatalf("Expected *TunnelConn, got %T", conn)
	}
	if got := tc.Buffered(); got != len("early-bytes") {
		t.Errorf("Expected %d buffered bytes before reading, got %d", len("early-bytes"), got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	head := make([]byte, len("early"))
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("Failed to read tunnel: %v", err)
	}
	if got := tc.Buffered(); got != len("-bytes") {
		t.Errorf("Expected %d buffered bytes after first read, got %d", len("-bytes"), got)
	}

	rest, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read tunnel: %v", err)
	}
	if got := string(head) + string(rest); got != "early-bytes|late-bytes" {
		t.Errorf("Expected early-bytes|late-bytes, got %q", got)
	}
	if got := tc.Buffered(); got != 0 {
		t.Errorf("Expected no buffered bytes after draining, got %d", got)
	}
}

// TestHandshakeFailures checks how reader failures surface from the dialer.
func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
	}{
		{"premature end", "HTTP/1.1 200", ErrPrematureEnd},
		{"missing status line", "\r\n\r\n", ErrMissingStatusLine},
		{"malformed header", "HTTP/1.1 200 OK\r\nfoo\r\n\r\n", ErrMalformedHeader},
		{"bad status code", "HTTP/1.1 OK\r\n\r\n", ErrInvalidStatusCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxyURL := startFakeProxy(t, func(c net.Conn, req *http.Request) {
				_, _ = io.WriteString(c, tt.reply)
			})

			dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyURL})
			_, err := dialer.DialContext(context.Background(), "tcp", "example.com:443")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrProxyConnect) {
				t.Errorf("Expected ErrProxyConnect, got %v", err)
			}
		})
	}
}

// TestHeaderLimit checks the dialer's response header limit.
func TestHeaderLimit(t *testing.T) {
	proxyURL := startFakeProxy(t, func(c net.Conn, req *http.Request) {
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nX-Padding: "+strings.Repeat("a", 256)+"\r\n\r\n")
	})

	dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyURL, MaxHeaderBytes: 128})
	_, err := dialer.DialContext(context.Background(), "tcp", "example.com:443")
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("Expected ErrHeaderTooLarge, got %v", err)
	}
}

// TestDialContextTimeout checks that the context bounds a proxy that never answers.
func TestDialContextTimeout(t *testing.T) {
	proxyURL := startFakeProxy(t, func(c net.Conn, req *http.Request) {
		_, _ = io.Copy(io.Discard, c)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	dialer := NewH1Dialer(&ClientConfig{ProxyURL: proxyURL})
	start := time.Now()
	_, err := dialer.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Dial took too long: %v", elapsed)
	}
}

// TestOnHandshake checks the handshake hook for success and failure.
func TestOnHandshake(t *testing.T) {
	echoAddr := startEcho(t)
	proxyServer := httptest.NewServer(NewH1Handler(nil))
	defer proxyServer.Close()

	var (
		mu    sync.Mutex
		infos []HandshakeInfo
	)
	dialer := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		OnHandshake: func(info HandshakeInfo) {
			mu.Lock()
			defer mu.Unlock()
			infos = append(infos, info)
		},
	})

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 handshake, got %d", len(infos))
	}
	info := infos[0]
	if info.Err != nil {
		t.Errorf("Expected no error, got %v", info.Err)
	}
	if info.Target != echoAddr {
		t.Errorf("Expected target %s, got %s", echoAddr, info.Target)
	}
	if info.Response == nil || info.Response.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 response, got %+v", info.Response)
	}
}

// TestProxyFromURL tests the golang.org/x/net/proxy registration.
func TestProxyFromURL(t *testing.T) {
	echoAddr := startEcho(t)

	proxyServer := httptest.NewServer(NewH1Handler(&ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			// base64("user:pass")
			if req.Header.Get("Proxy-Authorization") != "Basic dXNlcjpwYXNz" {
				return ErrTunnelRejected
			}
			return nil
		},
	}))
	defer proxyServer.Close()

	u, err := url.Parse(proxyServer.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.User = url.UserPassword("user", "pass")

	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		t.Fatalf("FromURL failed: %v", err)
	}

	conn, err := d.Dial("tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	if got := roundTrip(t, conn, "authenticated"); got != "authenticated" {
		t.Errorf("Expected echo, got %q", got)
	}

	u.User = nil
	d, err = proxy.FromURL(u, proxy.Direct)
	if err != nil {
		t.Fatalf("FromURL failed: %v", err)
	}
	if _, err := d.Dial("tcp", echoAddr); !errors.Is(err, &ProxyError{}) {
		t.Errorf("Expected ProxyError without credentials, got %v", err)
	}
}

// TestChainedProxies tunnels through two proxies.
func TestChainedProxies(t *testing.T) {
	echoAddr := startEcho(t)

	proxy1 := httptest.NewServer(NewH1Handler(nil))
	defer proxy1.Close()
	proxy2 := httptest.NewServer(NewH1Handler(nil))
	defer proxy2.Close()

	dialer1 := NewH1Dialer(&ClientConfig{ProxyURL: proxy1.URL})
	dialer2 := NewH1Dialer(&ClientConfig{
		ProxyURL:    proxy2.URL,
		DialContext: dialer1.DialContext,
	})

	conn, err := dialer2.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through chained proxies: %v", err)
	}
	defer conn.Close()

	if got := roundTrip(t, conn, "two hops"); got != "two hops" {
		t.Errorf("Expected echo, got %q", got)
	}
}

func TestUnsupportedNetwork(t *testing.T) {
	dialer := NewH1Dialer(&ClientConfig{ProxyURL: "http://127.0.0.1:1"})
	if _, err := dialer.DialContext(context.Background(), "udp", "example.com:53"); err == nil {
		t.Fatal("Expected error for udp network")
	}
}
