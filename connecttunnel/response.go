package connecttunnel

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// DefaultMaxHeaderBytes is the response header limit used by the H1 dialer
// when ClientConfig.MaxHeaderBytes is zero.
const DefaultMaxHeaderBytes = 64 << 10

const (
	readChunkSize = 4096

	// maxConsecutiveEmptyReads matches bufio.
	maxConsecutiveEmptyReads = 100
)

var (
	headerTerminator = []byte("\r\n\r\n")
	crlf             = "\r\n"
)

// Header is an ordered set of response headers. Names are stored lower-cased
// in order of first occurrence; a repeated name keeps all of its values in
// arrival order.
type Header struct {
	names  []string
	values map[string][]string
}

func (h *Header) add(name, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = append(h.values[name], value)
}

// Get returns the first value for name, or "" if it is not present.
func (h Header) Get(name string) string {
	if v := h.values[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value received for name in arrival order. A header
// that appeared once yields a single element.
func (h Header) Values(name string) []string {
	return h.values[strings.ToLower(name)]
}

// Has reports whether name was present.
func (h Header) Has(name string) bool {
	_, ok := h.values[strings.ToLower(name)]
	return ok
}

// Names returns the distinct lower-cased header names in order of first
// occurrence.
func (h Header) Names() []string {
	return append([]string(nil), h.names...)
}

// Len returns the number of distinct header names.
func (h Header) Len() int {
	return len(h.names)
}

// HTTPHeader converts h to an http.Header with canonical keys.
func (h Header) HTTPHeader() http.Header {
	out := make(http.Header, len(h.names))
	for _, name := range h.names {
		key := http.CanonicalHeaderKey(name)
		out[key] = append(out[key], h.values[name]...)
	}
	return out
}

// Response is the status line and headers a proxy sent in reply to CONNECT.
type Response struct {
	StatusCode int
	StatusText string
	Header     Header
}

// Status returns the status code and text, e.g. "200 Connection established".
func (r *Response) Status() string {
	if r.StatusText == "" {
		return strconv.Itoa(r.StatusCode)
	}
	return strconv.Itoa(r.StatusCode) + " " + r.StatusText
}

// ParseResult is the outcome of a successful Parse.
type ParseResult struct {
	Response *Response

	// Buffered holds every byte read from the stream, the header block
	// included, in arrival order.
	Buffered []byte

	// HeaderLength is the offset in Buffered just past the header terminator.
	HeaderLength int
}

// Leftover returns the bytes read past the header terminator. They belong to
// the tunneled stream.
func (p *ParseResult) Leftover() []byte {
	return p.Buffered[p.HeaderLength:]
}

type readerState int

const (
	stateAccumulating readerState = iota
	stateResolved
	stateRejected
)

// ResponseReader reads a proxy's response to a CONNECT request from a byte
// stream. A ResponseReader handles a single handshake and must not be reused.
type ResponseReader struct {
	maxHeaderBytes int

	state   readerState
	buf     []byte
	scanned int
}

// NewResponseReader returns a reader that fails with ErrHeaderTooLarge once
// the header block grows past maxHeaderBytes. Zero disables the limit.
func NewResponseReader(maxHeaderBytes int) *ResponseReader {
	return &ResponseReader{maxHeaderBytes: maxHeaderBytes}
}

// ReadResponse parses a CONNECT response from stream with no header limit.
func ReadResponse(stream io.ReadCloser) (*ParseResult, error) {
	return NewResponseReader(0).Parse(stream)
}

// Parse reads from stream until a complete header block has arrived.
//
// On success the stream is left open and every byte read is returned in
// ParseResult.Buffered. If the stream ends first, ErrPrematureEnd is
// returned; any other read error is returned as is. In neither case is the
// stream closed. When the header block itself is unusable the stream is
// closed before the error is returned.
func (r *ResponseReader) Parse(stream io.ReadCloser) (*ParseResult, error) {
	if r.state != stateAccumulating || r.buf != nil {
		return nil, ErrReaderUsed
	}
	r.buf = make([]byte, 0, readChunkSize)

	chunk := make([]byte, readChunkSize)
	empty := 0
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			empty = 0
			r.buf = append(r.buf, chunk[:n]...)
			if end := r.scan(); end >= 0 {
				return r.decode(stream, end)
			}
			if r.maxHeaderBytes > 0 && len(r.buf) > r.maxHeaderBytes {
				return nil, r.abort(stream, ErrHeaderTooLarge)
			}
		}
		switch {
		case err == io.EOF:
			return nil, r.reject(ErrPrematureEnd)
		case err != nil:
			return nil, r.reject(err)
		case n == 0:
			empty++
			if empty >= maxConsecutiveEmptyReads {
				return nil, r.reject(io.ErrNoProgress)
			}
		}
	}
}

// scan looks for the header terminator in the bytes not yet searched and
// returns its offset, or -1. The search backs up three bytes so a terminator
// split across reads is still found.
func (r *ResponseReader) scan() int {
	from := max(r.scanned-(len(headerTerminator)-1), 0)
	r.scanned = len(r.buf)
	if i := bytes.Index(r.buf[from:], headerTerminator); i >= 0 {
		return from + i
	}
	return -1
}

func (r *ResponseReader) decode(stream io.Closer, end int) (*ParseResult, error) {
	headerLen := end + len(headerTerminator)
	if r.maxHeaderBytes > 0 && headerLen > r.maxHeaderBytes {
		return nil, r.abort(stream, ErrHeaderTooLarge)
	}

	text, err := charmap.ISO8859_1.NewDecoder().Bytes(r.buf[:end])
	if err != nil {
		return nil, r.abort(stream, err)
	}
	lines := strings.Split(string(text), crlf)

	statusLine := lines[0]
	if statusLine == "" {
		return nil, r.abort(stream, ErrMissingStatusLine)
	}
	resp, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, r.abort(stream, err)
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, r.abort(stream, &MalformedHeaderError{Line: line})
		}
		resp.Header.add(strings.ToLower(name), strings.TrimLeft(value, " \t"))
	}

	r.state = stateResolved
	return &ParseResult{
		Response:     resp,
		Buffered:     r.buf,
		HeaderLength: headerLen,
	}, nil
}

func parseStatusLine(line string) (*Response, error) {
	tokens := strings.Split(line, " ")
	if len(tokens) < 2 || !isStatusCode(tokens[1]) {
		var token string
		if len(tokens) > 1 {
			token = tokens[1]
		}
		return nil, &StatusCodeError{Line: line, Token: token}
	}
	code, _ := strconv.Atoi(tokens[1])
	return &Response{
		StatusCode: code,
		StatusText: strings.Join(tokens[2:], " "),
	}, nil
}

// isStatusCode reports whether s is exactly three ASCII digits.
func isStatusCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (r *ResponseReader) reject(err error) error {
	r.state = stateRejected
	return err
}

// abort closes the stream and rejects with err. The close error is ignored:
// the stream is being discarded.
func (r *ResponseReader) abort(stream io.Closer, err error) error {
	_ = stream.Close()
	return r.reject(err)
}
