package connecttunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
)

// NewH1Handler creates an HTTP/1.1 CONNECT handler.
// It handles CONNECT requests by hijacking the connection and establishing
// a bidirectional tunnel to the requested target.
func NewH1Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h1Handler{cfg: cfg}
}

type h1Handler struct {
	cfg *ServerConfig
}

func (h *h1Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Verify method is CONNECT
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract target from RequestURI (e.g., "example.com:443")
	target := req.RequestURI
	if target == "" || target == "/" {
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return
	}

	// Call OnTunnel callback if configured
	if err := h.cfg.checkTunnel(req.Context(), req); err != nil {
		h.cfg.getLogger().Printf("%v", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Dial upstream target
	dial := h.cfg.getDialFunc()
	upstream, err := dial(req.Context(), "tcp", target)
	if err != nil {
		h.cfg.getLogger().Printf("failed to dial %s: %v", target, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	// Hijack the client connection
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.cfg.getLogger().Printf("hijack failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Send success response
	if err := h.writeEstablished(bufrw.Writer); err != nil {
		client.Close()
		upstream.Close()
		h.cfg.getLogger().Printf("failed to write response: %v", err)
		return
	}

	// Bytes the client sent after its request may already sit in the
	// server's read buffer.
	var src io.Reader = client
	if bufrw.Reader.Buffered() > 0 {
		src = io.MultiReader(bufrw.Reader, client)
	}

	// Start bidirectional copy in a goroutine. Hijacked connections are
	// independent of the request lifecycle, so the request context is not used.
	go h.tunnel(context.Background(), client, src, upstream)
}

// writeEstablished writes the 200 response with any configured headers.
func (h *h1Handler) writeEstablished(w *bufio.Writer) error {
	if _, err := w.WriteString("HTTP/1.1 200 Connection Established\r\n"); err != nil {
		return err
	}
	if err := h.cfg.ResponseHeader.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// tunnel performs bidirectional copying between client and upstream connections.
func (h *h1Handler) tunnel(ctx context.Context, client net.Conn, src io.Reader, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	errCh := make(chan error, 2)

	// Copy from client to upstream
	go func() {
		_, err := io.Copy(upstream, src)
		closeWrite(upstream)
		errCh <- err
	}()

	// Copy from upstream to client
	go func() {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		errCh <- err
	}()

	// Wait for both copies to complete or context cancellation
	select {
	case <-ctx.Done():
		return
	case err := <-errCh:
		// One direction finished, possibly with an error
		if err != nil && err != io.EOF {
			h.cfg.getLogger().Printf("tunnel error: %v", err)
		}
		// Wait for the other direction to finish
		err2 := <-errCh
		if err2 != nil && err2 != io.EOF {
			h.cfg.getLogger().Printf("tunnel error: %v", err2)
		}
	}
}

// closeWrite half-closes TCP connections so the peer sees EOF.
func closeWrite(conn net.Conn) {
	if c, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
}
