package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	http "github.com/sardanioss/http"
	"github.com/sardanioss/wirecloak/protocol"
	"k8s.io/klog/v2"
)

// maxHeaderBytes bounds a response head.
const maxHeaderBytes = 1 << 20

// H1Conn is an HTTP/1.1 connection carrying one exchange at a time. Headers
// are written in the caller's order and casing.
type H1Conn struct {
	id    string
	host  string
	conn  net.Conn
	cw    *countingWriter
	br    *bufio.Reader
	bw    *bufio.Writer
	tls   *TLSState
	state *stateMachine

	busy      atomic.Bool
	reusable  atomic.Bool
	closeOnce sync.Once
}

// NewH1Conn wraps an established connection, plaintext or TLS.
func NewH1Conn(conn net.Conn, host string, tlsState *TLSState) *H1Conn {
	return newH1Conn(conn, host, tlsState, &stateMachine{})
}

func newH1Conn(conn net.Conn, host string, tlsState *TLSState, sm *stateMachine) *H1Conn {
	c := &H1Conn{
		id:    uuid.NewString(),
		host:  host,
		conn:  conn,
		cw:    &countingWriter{w: conn},
		br:    bufio.NewReaderSize(conn, 4096),
		tls:   tlsState,
		state: sm,
	}
	c.bw = bufio.NewWriterSize(c.cw, 4096)
	c.reusable.Store(true)
	sm.advance(StateActive)
	return c
}

func (c *H1Conn) ID() string               { return c.id }
func (c *H1Conn) Version() protocol.Version { return protocol.HTTP11 }
func (c *H1Conn) State() State             { return c.state.Load() }
func (c *H1Conn) TLS() *TLSState           { return c.tls }
func (c *H1Conn) Multiplexed() bool        { return false }
func (c *H1Conn) MaxStreams() int          { return 1 }

// Reusable reports whether the previous exchange ended cleanly with
// keep-alive and no exchange is in progress.
func (c *H1Conn) Reusable() bool {
	return c.state.Load() == StateActive && c.reusable.Load() && !c.busy.Load()
}

func (c *H1Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.advance(StateClosed)
		c.reusable.Store(false)
		err = c.conn.Close()
		klog.V(2).Infof("h1 %s: closed connection to %s", c.id, c.host)
	})
	return err
}

// RoundTrip writes req and reads the response head. Cancelling ctx at any
// point before the body is consumed closes the connection.
func (c *H1Conn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.FromContext("h1", c.host, err)
	}
	if err := ValidateRequest(req); err != nil {
		return nil, invalidRequest("h1 write", c.host, err)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, notSent("h1", c.host, ErrConnBusy)
	}
	if c.state.Load() != StateActive {
		c.busy.Store(false)
		return nil, notSent("h1", c.host, ErrConnClosed)
	}
	c.reusable.Store(false)

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	before := c.cw.n
	if err := c.writeRequest(req); err != nil {
		stop()
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, protocol.FromContext("h1 write", c.host, ctx.Err())
		}
		return nil, &protocol.Error{Op: "h1 write", Host: c.host, Category: protocol.ErrConnect, Cause: err, NotSent: c.cw.n == before}
	}

	resp, keepAlive, err := c.readResponse(req)
	if err != nil {
		stop()
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, protocol.FromContext("h1 read", c.host, ctx.Err())
		}
		return nil, err
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		keepAlive = false
	}

	b := &h1Body{c: c, ctx: ctx, r: resp.Body, keepAlive: keepAlive, stop: stop}
	if b.r == nil {
		b.r = http.NoBody
		b.finish(true)
	}
	resp.Body = b
	return resp, nil
}

func (c *H1Conn) writeRequest(req *Request) error {
	path := req.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, path)
	if !req.Header.Has("Host") {
		fmt.Fprintf(c.bw, "Host: %s\r\n", req.Authority)
	}
	for _, f := range req.Header {
		fmt.Fprintf(c.bw, "%s: %s\r\n", f.Name, f.Value)
	}

	chunked := false
	if req.Body != nil && !req.Header.Has("Content-Length") && !req.Header.Has("Transfer-Encoding") {
		if req.ContentLength >= 0 {
			fmt.Fprintf(c.bw, "Content-Length: %d\r\n", req.ContentLength)
		} else {
			c.bw.WriteString("Transfer-Encoding: chunked\r\n")
			chunked = true
		}
	}
	c.bw.WriteString("\r\n")

	if req.Body != nil {
		if chunked {
			cw := httputil.NewChunkedWriter(c.bw)
			if _, err := io.Copy(cw, req.Body); err != nil {
				return err
			}
			if err := cw.Close(); err != nil {
				return err
			}
			c.bw.WriteString("\r\n")
		} else if _, err := io.Copy(c.bw, req.Body); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func (c *H1Conn) protoErr(format string, args ...any) error {
	return &protocol.Error{Op: "h1 read", Host: c.host, Category: protocol.ErrProtocol, Cause: fmt.Errorf(format, args...)}
}

// readResponse parses the status line and headers, keeping header order,
// and sets up body framing.
func (c *H1Conn) readResponse(req *Request) (*Response, bool, error) {
	budget := maxHeaderBytes
	readLine := func() (string, error) {
		line, err := c.br.ReadString('\n')
		budget -= len(line)
		if budget < 0 {
			return "", c.protoErr("response head exceeds %d bytes", maxHeaderBytes)
		}
		if err != nil {
			if line == "" && errors.Is(err, io.EOF) {
				return "", &protocol.Error{Op: "h1 read", Host: c.host, Category: protocol.ErrProtocol, Cause: io.ErrUnexpectedEOF}
			}
			return "", &protocol.Error{Op: "h1 read", Host: c.host, Category: protocol.ErrProtocol, Cause: err}
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	for {
		line, err := readLine()
		if err != nil {
			return nil, false, err
		}
		proto, rest, ok := strings.Cut(line, " ")
		if !ok || (proto != "HTTP/1.1" && proto != "HTTP/1.0") {
			return nil, false, c.protoErr("malformed status line %q", line)
		}
		codeStr, reason, _ := strings.Cut(rest, " ")
		code, err := strconv.Atoi(codeStr)
		if err != nil || len(codeStr) != 3 || code < 100 {
			return nil, false, c.protoErr("malformed status code %q", codeStr)
		}

		var h protocol.Header
		for {
			line, err := readLine()
			if err != nil {
				return nil, false, err
			}
			if line == "" {
				break
			}
			if (line[0] == ' ' || line[0] == '\t') && len(h) > 0 {
				h[len(h)-1].Value += " " + strings.TrimSpace(line)
				continue
			}
			name, value, ok := strings.Cut(line, ":")
			if !ok || name == "" || strings.ContainsAny(name, " \t") {
				return nil, false, c.protoErr("malformed header line %q", line)
			}
			h.Add(name, strings.TrimSpace(value))
		}

		if code >= 100 && code < 200 && code != 101 {
			continue
		}

		resp := &Response{
			StatusCode:    code,
			Status:        reason,
			Proto:         protocol.HTTP11,
			Header:        h,
			ContentLength: contentLength(h),
		}
		keepAlive := proto == "HTTP/1.1"
		switch strings.ToLower(h.Get("Connection")) {
		case "close":
			keepAlive = false
		case "keep-alive":
			keepAlive = true
		}

		switch {
		case req.Method == "HEAD" || code == 204 || code == 304 || code == 101:
			resp.ContentLength = 0
			if code == 101 {
				keepAlive = false
			}
		case strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked"):
			resp.ContentLength = -1
			resp.Body = io.NopCloser(&chunkedReader{br: c.br, r: httputil.NewChunkedReader(c.br)})
		case resp.ContentLength >= 0:
			if resp.ContentLength > 0 {
				resp.Body = io.NopCloser(&exactReader{r: c.br, n: resp.ContentLength})
			}
		default:
			// Delimited by connection close.
			keepAlive = false
			resp.Body = io.NopCloser(c.br)
		}
		return resp, keepAlive, nil
	}
}

// chunkedReader consumes the trailer section after the last chunk so the
// connection is positioned at the next response.
type chunkedReader struct {
	br   *bufio.Reader
	r    io.Reader
	done bool
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n, err := r.r.Read(p)
	if err == io.EOF {
		for {
			line, lerr := r.br.ReadString('\n')
			if lerr != nil {
				return n, io.ErrUnexpectedEOF
			}
			if strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}
		r.done = true
	}
	return n, err
}

// exactReader reads exactly n bytes, reporting a short body as
// io.ErrUnexpectedEOF.
type exactReader struct {
	r io.Reader
	n int64
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	n, err := r.r.Read(p)
	r.n -= int64(n)
	if err == io.EOF && r.n > 0 {
		err = io.ErrUnexpectedEOF
	}
	if r.n == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

// h1Body releases the connection for reuse when read to EOF and closes it
// otherwise.
type h1Body struct {
	c         *H1Conn
	ctx       context.Context
	r         io.ReadCloser
	keepAlive bool
	stop      func() bool
	once      sync.Once
	closed    atomic.Bool
	eof       atomic.Bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, errBodyClosed
	}
	if b.eof.Load() {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	switch {
	case err == io.EOF:
		b.eof.Store(true)
		b.finish(true)
	case err != nil:
		b.finish(false)
		if b.ctx.Err() != nil {
			return n, protocol.FromContext("h1 body", b.c.host, b.ctx.Err())
		}
		return n, &protocol.Error{Op: "h1 body", Host: b.c.host, Category: protocol.ErrBody, Cause: err}
	}
	return n, err
}

func (b *h1Body) Close() error {
	b.closed.Store(true)
	b.finish(b.eof.Load())
	return nil
}

// finish runs once. A clean EOF on a keep-alive exchange frees the
// connection; anything else closes it.
func (b *h1Body) finish(eof bool) {
	b.once.Do(func() {
		b.stop()
		if eof && b.keepAlive && b.c.state.Load() == StateActive {
			b.c.reusable.Store(true)
			b.c.busy.Store(false)
			return
		}
		_ = b.c.Close()
		b.c.busy.Store(false)
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}
