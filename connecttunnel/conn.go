package connecttunnel

import (
	"net"
)

// TunnelConn is the connection returned by the H1 dialer once the proxy has
// accepted the tunnel. Reads first return any tunneled bytes that arrived
// together with the proxy response, then read from the proxy connection.
type TunnelConn struct {
	net.Conn
	resp    *Response
	pending []byte
}

func newTunnelConn(conn net.Conn, result *ParseResult) *TunnelConn {
	return &TunnelConn{
		Conn:    conn,
		resp:    result.Response,
		pending: result.Leftover(),
	}
}

// Read implements net.Conn.
func (c *TunnelConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		if len(c.pending) == 0 {
			c.pending = nil
		}
		return n, nil
	}
	return c.Conn.Read(b)
}

// ConnectResponse returns the proxy's response to the CONNECT request.
func (c *TunnelConn) ConnectResponse() *Response {
	return c.resp
}

// Buffered returns the number of tunneled bytes not yet returned by Read.
func (c *TunnelConn) Buffered() int {
	return len(c.pending)
}
