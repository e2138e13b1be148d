package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lds.li/netrelay/connecttunnel"
)

// proxyHandler implements http.Handler for the CONNECT proxy.
type proxyHandler struct {
	dialer  connecttunnel.Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// ServeHTTP implements http.Handler for the CONNECT proxy.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed. This proxy only supports CONNECT.", http.StatusMethodNotAllowed)
		h.logger.Debug("rejected non-CONNECT request",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()))
		return
	}
	h.handleConnect(w, req)
}

// handleConnect handles a CONNECT request by tunneling through the remote proxy.
func (h *proxyHandler) handleConnect(w http.ResponseWriter, req *http.Request) {
	target := req.Host
	if target == "" {
		http.Error(w, "Bad Request: no target specified", http.StatusBadRequest)
		return
	}

	log := h.logger.With(zap.String("target", target), zap.String("client", req.RemoteAddr))
	log.Debug("CONNECT request")

	// Dial through remote proxy
	ctx := req.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	proxyConn, err := h.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Warn("failed to dial through proxy", zap.Error(err))
		// Relay the remote proxy's refusal so the client sees e.g. 407.
		var proxyErr *connecttunnel.ProxyError
		if errors.As(err, &proxyErr) {
			http.Error(w, proxyErr.Status, proxyErr.StatusCode)
			return
		}
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer proxyConn.Close()

	// Hijack client connection
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error: hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		log.Error("hijack failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	// Send success response
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.Warn("failed to send response", zap.Error(err))
		return
	}

	var src io.Reader = clientConn
	if bufrw.Reader.Buffered() > 0 {
		src = io.MultiReader(bufrw.Reader, clientConn)
	}

	// Bidirectional copy
	log.Debug("tunnel established")
	copyBidirectional(clientConn, src, proxyConn)
	log.Debug("tunnel closed")
}

// copyBidirectional copies data between the client and the remote tunnel
// until either direction finishes.
func copyBidirectional(client net.Conn, src io.Reader, server net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(server, src)
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(client, server)
		done <- struct{}{}
	}()

	// Wait for first direction to finish
	<-done
}
