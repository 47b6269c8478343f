package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/sardanioss/wirecloak/protocol"
)

type h1Peer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func newH1Pair(t *testing.T) (*H1Conn, *h1Peer) {
	t.Helper()
	client, server := net.Pipe()
	c := NewH1Conn(client, "example.com", nil)
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c, &h1Peer{t: t, conn: server, br: bufio.NewReader(server)}
}

// readRequest returns the request head lines and a body of the declared
// Content-Length.
func (p *h1Peer) readRequest() ([]string, string) {
	p.t.Helper()
	var lines []string
	length := 0
	for {
		line, err := p.br.ReadString('\n')
		if err != nil {
			p.t.Fatalf("reading request: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, v, ok := strings.Cut(line, ": "); ok && strings.EqualFold(name, "Content-Length") {
			length, _ = strconv.Atoi(v)
		}
		lines = append(lines, line)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(p.br, body); err != nil {
		p.t.Fatalf("reading request body: %v", err)
	}
	return lines, string(body)
}

func (p *h1Peer) send(s string) {
	go p.conn.Write([]byte(s))
}

func h1Request(method, path string, headers ...string) *Request {
	req := &Request{Method: method, Scheme: "http", Authority: "example.com", Path: path, ContentLength: -1}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}
	return req
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func TestH1RequestFormatAndReuse(t *testing.T) {
	c, peer := newH1Pair(t)

	req := h1Request("POST", "/submit?x=1", "User-Agent", "test", "accept-Language", "en")
	req.Body = strings.NewReader("hello")
	req.ContentLength = 5
	ch := roundTripAsync(context.Background(), c, req)

	lines, body := peer.readRequest()
	expected := []string{
		"POST /submit?x=1 HTTP/1.1",
		"Host: example.com",
		"User-Agent: test",
		"accept-Language: en",
		"Content-Length: 5",
	}
	if strings.Join(lines, "|") != strings.Join(expected, "|") {
		t.Errorf("expected head %q, got %q", expected, lines)
	}
	if body != "hello" {
		t.Errorf("expected body hello, got %q", body)
	}

	peer.send("HTTP/1.1 201 Created\r\nZ-Last: 1\r\nA-First: 2\r\nContent-Length: 2\r\n\r\nok")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	if r.resp.StatusCode != 201 || r.resp.Status != "Created" {
		t.Errorf("expected 201 Created, got %d %s", r.resp.StatusCode, r.resp.Status)
	}
	if r.resp.Header[0].Name != "Z-Last" || r.resp.Header[1].Name != "A-First" {
		t.Errorf("expected response header order preserved, got %v", r.resp.Header)
	}
	if c.Reusable() {
		t.Error("expected connection busy until the body is read")
	}
	if got := readBody(t, r.resp); got != "ok" {
		t.Errorf("expected body ok, got %q", got)
	}
	if !c.Reusable() {
		t.Fatal("expected connection reusable after body EOF")
	}

	ch = roundTripAsync(context.Background(), c, h1Request("GET", ""))
	lines, _ = peer.readRequest()
	if lines[0] != "GET / HTTP/1.1" {
		t.Errorf("expected empty path sent as /, got %q", lines[0])
	}
	peer.send("HTTP/1.1 204 No Content\r\n\r\n")
	r = waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("second round trip: %v", r.err)
	}
	if got := readBody(t, r.resp); got != "" {
		t.Errorf("expected empty body, got %q", got)
	}
	if !c.Reusable() {
		t.Error("expected connection reusable after 204")
	}
}

func TestH1RejectsHeaderInjection(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"crlf in value", h1Request("GET", "/", "X-Note", "a\r\nInjected: yes")},
		{"bare lf in value", h1Request("GET", "/", "X-Note", "a\nInjected: yes")},
		{"crlf in name", h1Request("GET", "/", "X-Note\r\nInjected", "yes")},
		{"space in name", h1Request("GET", "/", "X Note", "yes")},
		{"method", h1Request("GET / HTTP/1.1\r\nX", "/")},
		{"host", &Request{Method: "GET", Authority: "example.com\r\nInjected: yes", Path: "/"}},
	}

	c, peer := newH1Pair(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.RoundTrip(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("expected ErrInvalidHeader, got %v", err)
			}
			var pe *protocol.Error
			if !errors.As(err, &pe) || !pe.NotSent || pe.Category != protocol.ErrProtocol {
				t.Errorf("expected unsent protocol error, got %#v", err)
			}
			if !c.Reusable() {
				t.Error("expected connection untouched by a rejected request")
			}
		})
	}

	// Nothing reached the wire: the next request head is the first the peer sees.
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/ok", "X-Note", "a"))
	lines, _ := peer.readRequest()
	expected := []string{"GET /ok HTTP/1.1", "Host: example.com", "X-Note: a"}
	if strings.Join(lines, "|") != strings.Join(expected, "|") {
		t.Errorf("expected head %q, got %q", expected, lines)
	}
	peer.send("HTTP/1.1 204 No Content\r\n\r\n")
	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("round trip after rejection: %v", r.err)
	}
}

func TestValidateRequestAcceptsBrowserHeaders(t *testing.T) {
	for _, name := range []string{"chrome-143", "firefox-133", "safari-18", "okhttp-4"} {
		p := mustProfile(t, name)
		req := &Request{Method: "GET", Authority: "example.com:8443"}
		for _, f := range p.Headers {
			req.Header.Add(f.Name, f.Value)
		}
		if err := ValidateRequest(req); err != nil {
			t.Errorf("%s: expected built-in headers valid, got %v", name, err)
		}
	}
}

func TestH1CallerHostKeepsPosition(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/", "User-Agent", "ua", "host", "other.example"))
	lines, _ := peer.readRequest()
	expected := []string{"GET / HTTP/1.1", "User-Agent: ua", "host: other.example"}
	if strings.Join(lines, "|") != strings.Join(expected, "|") {
		t.Errorf("expected head %q, got %q", expected, lines)
	}
	peer.send("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
}

func TestH1ChunkedResponseWithTrailer(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	peer.send("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: v\r\n\r\n")

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	if r.resp.ContentLength != -1 {
		t.Errorf("expected unknown length, got %d", r.resp.ContentLength)
	}
	if got := readBody(t, r.resp); got != "hello world" {
		t.Errorf("expected hello world, got %q", got)
	}
	if !c.Reusable() {
		t.Error("expected connection reusable after chunked body with trailer")
	}
}

func TestH1ChunkedRequestBody(t *testing.T) {
	c, peer := newH1Pair(t)
	req := h1Request("PUT", "/up")
	req.Body = strings.NewReader("abc")
	ch := roundTripAsync(context.Background(), c, req)

	lines, _ := peer.readRequest()
	if lines[len(lines)-1] != "Transfer-Encoding: chunked" {
		t.Errorf("expected chunked framing, got %q", lines)
	}
	raw := make([]byte, len("3\r\nabc\r\n0\r\n\r\n"))
	if _, err := io.ReadFull(peer.br, raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != "3\r\nabc\r\n0\r\n\r\n" {
		t.Errorf("expected chunked body, got %q", raw)
	}
	peer.send("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
}

func TestH1KeepAliveRules(t *testing.T) {
	tests := []struct {
		name     string
		reqConn  string
		response string
		reusable bool
	}{
		{"http/1.1 default", "", "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nx", true},
		{"server close", "", "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 1\r\n\r\nx", false},
		{"client close", "close", "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nx", false},
		{"http/1.0 default", "", "HTTP/1.0 200 OK\r\nContent-Length: 1\r\n\r\nx", false},
		{"http/1.0 keep-alive", "", "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 1\r\n\r\nx", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newH1Pair(t)
			req := h1Request("GET", "/")
			if tt.reqConn != "" {
				req.Header.Add("Connection", tt.reqConn)
			}
			ch := roundTripAsync(context.Background(), c, req)
			peer.readRequest()
			peer.send(tt.response)
			r := waitResult(t, ch)
			if r.err != nil {
				t.Fatalf("round trip: %v", r.err)
			}
			readBody(t, r.resp)
			if c.Reusable() != tt.reusable {
				t.Errorf("expected reusable %v, got %v", tt.reusable, c.Reusable())
			}
			if !tt.reusable && c.State() != StateClosed {
				t.Errorf("expected closed state, got %v", c.State())
			}
		})
	}
}

func TestH1CloseDelimitedBody(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	go func() {
		peer.conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\nuntil close"))
		peer.conn.Close()
	}()
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	if got := readBody(t, r.resp); got != "until close" {
		t.Errorf("expected body until close, got %q", got)
	}
	if c.Reusable() {
		t.Error("expected close-delimited connection not reusable")
	}
}

func TestH1SkipsInformational(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	peer.send("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a.css>\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	if r.resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", r.resp.StatusCode)
	}
	if r.resp.Header.Has("Link") {
		t.Error("expected informational headers dropped")
	}
	if got := readBody(t, r.resp); got != "hi" {
		t.Errorf("expected hi, got %q", got)
	}
}

func TestH1HeadHasNoBody(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("HEAD", "/"))
	peer.readRequest()
	peer.send("HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	if got := readBody(t, r.resp); got != "" {
		t.Errorf("expected no body, got %q", got)
	}
	if !c.Reusable() {
		t.Error("expected connection reusable after HEAD")
	}
}

func TestH1EarlyCloseClosesConn(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	peer.send("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	r.resp.Body.Close()
	if c.Reusable() || c.State() != StateClosed {
		t.Errorf("expected undrained body to close the connection, got state %v", c.State())
	}
	if _, err := r.resp.Body.Read(make([]byte, 1)); !errors.Is(err, errBodyClosed) {
		t.Errorf("expected errBodyClosed, got %v", err)
	}
}

func TestH1BusyAndClosed(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	peer.send("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}

	_, err := c.RoundTrip(context.Background(), h1Request("GET", "/again"))
	if !errors.Is(err, ErrConnBusy) || !protocol.Retryable(err) {
		t.Errorf("expected retryable ErrConnBusy, got %v", err)
	}
	readBody(t, r.resp)

	c.Close()
	_, err = c.RoundTrip(context.Background(), h1Request("GET", "/"))
	if !errors.Is(err, ErrConnClosed) || !protocol.Retryable(err) {
		t.Errorf("expected retryable ErrConnClosed, got %v", err)
	}
}

func TestH1MalformedResponse(t *testing.T) {
	tests := []string{
		"HTTP/2 200 OK\r\n\r\n",
		"HTTP/1.1 2x0 OK\r\n\r\n",
		"HTTP/1.1 200 OK\r\nno colon here\r\n\r\n",
	}
	for _, raw := range tests {
		c, peer := newH1Pair(t)
		ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
		peer.readRequest()
		peer.send(raw)
		r := waitResult(t, ch)
		if !errors.Is(r.err, protocol.ErrProtocol) {
			t.Errorf("%q: expected ErrProtocol, got %v", raw, r.err)
		}
		if c.State() != StateClosed {
			t.Errorf("%q: expected closed connection, got %v", raw, c.State())
		}
	}
}

func TestH1ShortBody(t *testing.T) {
	c, peer := newH1Pair(t)
	ch := roundTripAsync(context.Background(), c, h1Request("GET", "/"))
	peer.readRequest()
	go func() {
		peer.conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
		peer.conn.Close()
	}()
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("round trip: %v", r.err)
	}
	_, err := io.ReadAll(r.resp.Body)
	if !errors.Is(err, protocol.ErrBody) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrBody wrapping unexpected EOF, got %v", err)
	}
}

func TestH1ContextCancelClosesConn(t *testing.T) {
	c, peer := newH1Pair(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := roundTripAsync(ctx, c, h1Request("GET", "/"))
	peer.readRequest()
	cancel()
	r := waitResult(t, ch)
	if !errors.Is(r.err, protocol.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", r.err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed connection, got %v", c.State())
	}
}
