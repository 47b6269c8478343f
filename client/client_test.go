package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	. "github.com/onsi/gomega"
	"github.com/sardanioss/wirecloak/protocol"
	"github.com/sardanioss/wirecloak/transport"
)

type anyHost struct{}

func (anyHost) Resolve(context.Context, string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("192.0.2.1")}, nil
}

// served is one request as the fake server read it.
type served struct {
	head []string // request line then header lines
	body string
}

func (s served) line() string { return s.head[0] }

func (s served) header(name string) string {
	for _, l := range s.head[1:] {
		k, v, _ := strings.Cut(l, ": ")
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (s served) names() []string {
	out := make([]string, 0, len(s.head)-1)
	for _, l := range s.head[1:] {
		k, _, _ := strings.Cut(l, ": ")
		out = append(out, k)
	}
	return out
}

// fakeServer is an HTTP/1.1 server reached through the connector's dialer.
// handle returns the raw response for the n-th request; "" hangs.
type fakeServer struct {
	handle   func(n int, r served) string
	failDial atomic.Int32 // dials left to fail
	dials    atomic.Int32
	count    atomic.Int32
	reqs     chan served
}

func newFakeServer(handle func(n int, r served) string) *fakeServer {
	return &fakeServer{handle: handle, reqs: make(chan served, 64)}
}

func (s *fakeServer) dial(_ context.Context, _, _ string) (net.Conn, error) {
	if s.failDial.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	s.dials.Add(1)
	c, srv := net.Pipe()
	go s.serve(srv)
	return c, nil
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		r, err := readServed(br)
		if err != nil {
			return
		}
		n := int(s.count.Add(1))
		s.reqs <- r
		resp := s.handle(n, r)
		if resp == "" {
			_, _ = io.Copy(io.Discard, br)
			return
		}
		if _, err := io.WriteString(conn, resp); err != nil {
			return
		}
	}
}

func readServed(br *bufio.Reader) (served, error) {
	var r served
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return r, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		r.head = append(r.head, line)
	}
	if n, err := strconv.Atoi(r.header("Content-Length")); err == nil && n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return r, err
		}
		r.body = string(buf)
	}
	return r, nil
}

func ok(body string, headers ...string) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return b.String()
}

func redirect(status int, location string) string {
	return fmt.Sprintf("HTTP/1.1 %d Redirect\r\nLocation: %s\r\nContent-Length: 0\r\n\r\n", status, location)
}

func newTestClient(t *testing.T, s *fakeServer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithResolver(anyHost{}), WithProfile("chrome-143")}, opts...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Connector().Dial = s.dial
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientSendsProfileHeadersAndReuses(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(n int, _ served) string { return ok("hello " + strconv.Itoa(n)) })
	c := newTestClient(t, s)

	req := NewRequest("GET", "http://example.test/path?q=1").
		AddHeader("X-Trace", "abc").
		AddHeader("accept-language", "de")
	resp, err := c.Do(context.Background(), req)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(resp.StatusCode).To(Equal(200))
	g.Expect(resp.Proto).To(Equal(protocol.HTTP11))
	g.Expect(resp.Reused).To(BeFalse())
	g.Expect(resp.Text()).To(Equal("hello 1"))

	var r served
	g.Eventually(s.reqs).Should(Receive(&r))
	g.Expect(r.line()).To(Equal("GET /path?q=1 HTTP/1.1"))
	g.Expect(r.names()).To(Equal([]string{
		"Host", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform", "Upgrade-Insecure-Requests",
		"User-Agent", "Accept", "Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest",
		"Accept-Encoding", "Accept-Language", "Priority", "X-Trace",
	}))
	g.Expect(r.header("Host")).To(Equal("example.test"))
	g.Expect(r.header("Accept-Language")).To(Equal("de"))
	g.Expect(r.header("User-Agent")).To(ContainSubstring("Chrome/143"))

	resp, err = c.Get(context.Background(), "http://example.test/again", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(resp.Text()).To(Equal("hello 2"))
	g.Expect(resp.Reused).To(BeTrue())
	g.Expect(s.dials.Load()).To(BeEquivalentTo(1))
}

func TestClientQueryAndPostBody(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(int, served) string { return ok("") })
	c := newTestClient(t, s)

	req := &Request{Method: "post", URL: "http://example.test/submit?a=1", Body: []byte("payload")}
	req.Query = map[string][]string{"b": {"2"}}
	resp, err := c.Do(context.Background(), req)
	g.Expect(err).NotTo(HaveOccurred())
	_, _ = resp.Bytes()

	var r served
	g.Eventually(s.reqs).Should(Receive(&r))
	g.Expect(r.line()).To(Equal("POST /submit?a=1&b=2 HTTP/1.1"))
	g.Expect(r.header("Content-Length")).To(Equal("7"))
	g.Expect(r.body).To(Equal("payload"))

	// Empty POST still carries Content-Length: 0.
	resp, err = c.Post(context.Background(), "http://example.test/empty", "", nil)
	g.Expect(err).NotTo(HaveOccurred())
	_, _ = resp.Bytes()
	g.Eventually(s.reqs).Should(Receive(&r))
	g.Expect(r.header("Content-Length")).To(Equal("0"))
}

func TestClientRedirects(t *testing.T) {
	t.Run("302 turns POST into GET and keeps same-authority auth", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(n int, _ served) string {
			if n == 1 {
				return redirect(302, "/next")
			}
			return ok("done")
		})
		c := newTestClient(t, s)

		req := &Request{Method: "POST", URL: "http://example.test/start", Body: []byte("payload")}
		req.Header.Add("Authorization", "Bearer t")
		req.Header.Add("Content-Type", "text/plain")
		resp, err := c.Do(context.Background(), req)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(resp.Text()).To(Equal("done"))
		g.Expect(resp.URL.String()).To(Equal("http://example.test/next"))
		g.Expect(resp.Redirects).To(HaveLen(1))
		g.Expect(resp.Redirects[0].StatusCode).To(Equal(302))
		g.Expect(resp.Redirects[0].URL).To(Equal("http://example.test/start"))

		var first, second served
		g.Eventually(s.reqs).Should(Receive(&first))
		g.Eventually(s.reqs).Should(Receive(&second))
		g.Expect(second.line()).To(Equal("GET /next HTTP/1.1"))
		g.Expect(second.body).To(BeEmpty())
		g.Expect(second.header("Content-Type")).To(BeEmpty())
		g.Expect(second.header("Authorization")).To(Equal("Bearer t"))
		g.Expect(s.dials.Load()).To(BeEquivalentTo(1))
	})

	t.Run("307 replays the body", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(n int, _ served) string {
			if n == 1 {
				return redirect(307, "/next")
			}
			return ok("done")
		})
		c := newTestClient(t, s)

		resp, err := c.Do(context.Background(), &Request{Method: "PUT", URL: "http://example.test/start", Body: []byte("payload")})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(resp.Text()).To(Equal("done"))

		var r served
		g.Eventually(s.reqs).Should(Receive())
		g.Eventually(s.reqs).Should(Receive(&r))
		g.Expect(r.line()).To(Equal("PUT /next HTTP/1.1"))
		g.Expect(r.body).To(Equal("payload"))
	})

	t.Run("cross-authority hop strips credentials", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(n int, _ served) string {
			if n == 1 {
				return redirect(301, "http://other.test/landing")
			}
			return ok("elsewhere")
		})
		c := newTestClient(t, s)

		req := NewRequest("GET", "http://example.test/").
			AddHeader("Authorization", "Bearer t").
			AddHeader("Cookie", "manual=1")
		resp, err := c.Do(context.Background(), req)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(resp.Text()).To(Equal("elsewhere"))

		var r served
		g.Eventually(s.reqs).Should(Receive())
		g.Eventually(s.reqs).Should(Receive(&r))
		g.Expect(r.header("Host")).To(Equal("other.test"))
		g.Expect(r.header("Authorization")).To(BeEmpty())
		g.Expect(r.header("Cookie")).To(BeEmpty())
		g.Expect(s.dials.Load()).To(BeEquivalentTo(2))
	})

	t.Run("bounded by Max", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(int, served) string { return redirect(302, "/loop") })
		c := newTestClient(t, s, WithRedirectPolicy(RedirectPolicy{Max: 2}))

		_, err := c.Get(context.Background(), "http://example.test/loop", nil)
		g.Expect(errors.Is(err, ErrTooManyRedirects)).To(BeTrue())
		g.Expect(s.count.Load()).To(BeEquivalentTo(3))
	})

	t.Run("disabled returns the 3xx", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(int, served) string { return redirect(302, "/next") })
		c := newTestClient(t, s, WithoutRedirects())

		resp, err := c.Get(context.Background(), "http://example.test/", nil)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(resp.StatusCode).To(Equal(302))
		g.Expect(resp.Header.Get("Location")).To(Equal("/next"))
		g.Expect(resp.Close()).To(Succeed())
	})

	t.Run("DropProfile falls back to the default", func(t *testing.T) {
		g := NewGomegaWithT(t)
		s := newFakeServer(func(n int, _ served) string {
			if n == 1 {
				return redirect(302, "/next")
			}
			return ok("")
		})
		c := newTestClient(t, s)

		_, err := c.Do(context.Background(), &Request{
			URL:      "http://example.test/",
			Profile:  "firefox-133",
			Redirect: &RedirectPolicy{Max: 5, DropProfile: true},
		})
		g.Expect(err).NotTo(HaveOccurred())

		var first, second served
		g.Eventually(s.reqs).Should(Receive(&first))
		g.Eventually(s.reqs).Should(Receive(&second))
		g.Expect(first.header("User-Agent")).To(ContainSubstring("Firefox/133"))
		g.Expect(second.header("User-Agent")).To(ContainSubstring("Chrome/143"))
	})
}

func TestClientRetriesOnceBeforeSend(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(int, served) string { return ok("up") })
	s.failDial.Store(1)
	c := newTestClient(t, s)

	resp, err := c.Get(context.Background(), "http://example.test/", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(resp.Text()).To(Equal("up"))
	g.Expect(s.dials.Load()).To(BeEquivalentTo(1))

	s.failDial.Store(2)
	_, err = c.Get(context.Background(), "http://fresh.test/", nil)
	g.Expect(errors.Is(err, protocol.ErrConnect)).To(BeTrue())
	g.Expect(s.failDial.Load()).To(BeEquivalentTo(0))
}

func TestClientTimeout(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(int, served) string { return "" })
	c := newTestClient(t, s, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Get(context.Background(), "http://example.test/", nil)
	g.Expect(errors.Is(err, protocol.ErrTimeout)).To(BeTrue())
	g.Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	g.Expect(s.count.Load()).To(BeEquivalentTo(1))
	g.Eventually(func() int { return c.Stats().Conns }).Should(Equal(0))
}

func TestClientCookies(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(n int, _ served) string {
		if n == 1 {
			return ok("", "Set-Cookie: sid=abc; Path=/", "Set-Cookie: theme=dark; Path=/")
		}
		return ok("")
	})
	c := newTestClient(t, s)

	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), "http://example.test/", nil)
		g.Expect(err).NotTo(HaveOccurred())
		_, _ = resp.Bytes()
	}
	off := false
	resp, err := c.Do(context.Background(), &Request{URL: "http://example.test/", UseCookies: &off})
	g.Expect(err).NotTo(HaveOccurred())
	_, _ = resp.Bytes()

	var first, second, third served
	g.Eventually(s.reqs).Should(Receive(&first))
	g.Eventually(s.reqs).Should(Receive(&second))
	g.Eventually(s.reqs).Should(Receive(&third))
	g.Expect(first.header("Cookie")).To(BeEmpty())
	g.Expect(second.header("Cookie")).To(Equal("sid=abc; theme=dark"))
	g.Expect(third.header("Cookie")).To(BeEmpty())
}

func TestClientDecodesBody(t *testing.T) {
	g := NewGomegaWithT(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("compressed fixture"))
	g.Expect(zw.Close()).To(Succeed())
	encoded := buf.String()

	s := newFakeServer(func(int, served) string { return ok(encoded, "Content-Encoding: gzip") })
	c := newTestClient(t, s)

	resp, err := c.Get(context.Background(), "http://example.test/", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(resp.Decoded).To(BeTrue())
	g.Expect(resp.Header.Get("Content-Encoding")).To(Equal("gzip"))
	g.Expect(resp.Text()).To(Equal("compressed fixture"))
}

func TestClientDecodedChunkedBodyKeepsConnection(t *testing.T) {
	for _, coding := range []string{"br", "zstd"} {
		t.Run(coding, func(t *testing.T) {
			g := NewGomegaWithT(t)
			var buf bytes.Buffer
			var w io.WriteCloser = brotli.NewWriter(&buf)
			if coding == "zstd" {
				zw, err := zstd.NewWriter(&buf)
				g.Expect(err).NotTo(HaveOccurred())
				w = zw
			}
			_, _ = w.Write([]byte("compressed fixture"))
			g.Expect(w.Close()).To(Succeed())

			chunked := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Encoding: %s\r\nTransfer-Encoding: chunked\r\n\r\n%x\r\n%s\r\n0\r\n\r\n",
				coding, buf.Len(), buf.String())
			s := newFakeServer(func(int, served) string { return chunked })
			c := newTestClient(t, s)

			for i := 0; i < 2; i++ {
				resp, err := c.Get(context.Background(), "http://example.test/", nil)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(resp.Decoded).To(BeTrue())
				g.Expect(resp.Reused).To(Equal(i == 1))
				g.Expect(resp.Text()).To(Equal("compressed fixture"))
				g.Eventually(func() int { return c.Stats().Idle }).Should(Equal(1))
			}
			g.Expect(s.dials.Load()).To(BeEquivalentTo(1))
		})
	}
}

func TestClientRejectsHeaderInjection(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(int, served) string { return ok("unexpected") })
	c := newTestClient(t, s)

	req := NewRequest("GET", "http://example.test/").AddHeader("X-Note", "a\r\nInjected: yes")
	_, err := c.Do(context.Background(), req)
	g.Expect(errors.Is(err, transport.ErrInvalidHeader)).To(BeTrue())
	g.Expect(protocol.Code(err)).To(Equal(protocol.CodeProtocol))
	g.Expect(s.dials.Load()).To(BeEquivalentTo(0))
}

func TestClientDigestChallenge(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(n int, r served) string {
		if n == 1 {
			return "HTTP/1.1 401 Unauthorized\r\n" +
				`WWW-Authenticate: Digest realm="test", nonce="abc123", qop="auth", opaque="xyz"` + "\r\n" +
				"Content-Length: 0\r\n\r\n"
		}
		if strings.HasPrefix(r.header("Authorization"), `Digest username="user", realm="test", nonce="abc123", uri="/secret"`) {
			return ok("granted")
		}
		return "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"
	})
	c := newTestClient(t, s, WithAuth(&DigestAuth{Username: "user", Password: "pass"}))

	resp, err := c.Get(context.Background(), "http://example.test/secret", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(resp.StatusCode).To(Equal(200))
	g.Expect(resp.Text()).To(Equal("granted"))

	var first served
	g.Eventually(s.reqs).Should(Receive(&first))
	g.Expect(first.header("Authorization")).To(BeEmpty())
}

func TestClientSecondConnectWaitsForRelease(t *testing.T) {
	g := NewGomegaWithT(t)
	gate := make(chan struct{})
	s := newFakeServer(func(n int, _ served) string {
		if n == 1 {
			<-gate
		}
		return ok("r" + strconv.Itoa(n))
	})
	c := newTestClient(t, s, WithMaxConnsPerHost(1))

	results := make(chan string, 2)
	get := func() {
		resp, err := c.Get(context.Background(), "http://example.test/", nil)
		if err != nil {
			results <- err.Error()
			return
		}
		text, _ := resp.Text()
		results <- text
	}
	go get()
	g.Eventually(s.reqs).Should(Receive())
	go get()

	g.Consistently(s.dials.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
	g.Consistently(results, 50*time.Millisecond).ShouldNot(Receive())
	close(gate)

	var got []string
	for i := 0; i < 2; i++ {
		var r string
		g.Eventually(results, time.Second).Should(Receive(&r))
		got = append(got, r)
	}
	g.Expect(got).To(ConsistOf("r1", "r2"))
	g.Expect(s.dials.Load()).To(BeEquivalentTo(1))
}

func TestResponseChunksSinglePass(t *testing.T) {
	g := NewGomegaWithT(t)
	s := newFakeServer(func(int, served) string { return ok("streamed body") })
	c := newTestClient(t, s)

	resp, err := c.Get(context.Background(), "http://example.test/", nil)
	g.Expect(err).NotTo(HaveOccurred())

	var got []byte
	for chunk, err := range resp.Chunks() {
		g.Expect(err).NotTo(HaveOccurred())
		got = append(got, chunk...)
	}
	g.Expect(string(got)).To(Equal("streamed body"))

	for _, err := range resp.Chunks() {
		g.Expect(err).To(MatchError(ErrBodyConsumed))
	}
	_, err = resp.Bytes()
	g.Expect(err).To(MatchError(ErrBodyConsumed))
	g.Eventually(func() int { return c.Stats().Idle }).Should(Equal(1))
}

func TestEventReader(t *testing.T) {
	g := NewGomegaWithT(t)
	stream := ": comment\n\ndata: a\n\nevent: update\nid: 7\nretry: 1500\ndata: b\ndata: c\n\ndata: tail"
	s := newFakeServer(func(int, served) string { return ok(stream, "Content-Type: text/event-stream") })
	c := newTestClient(t, s)

	resp, err := c.Get(context.Background(), "http://example.test/events", nil)
	g.Expect(err).NotTo(HaveOccurred())

	var events []Event
	for ev, err := range NewEventReader(resp).All() {
		g.Expect(err).NotTo(HaveOccurred())
		events = append(events, *ev)
	}
	g.Expect(events).To(Equal([]Event{
		{Data: "a"},
		{Event: "update", ID: "7", Retry: 1500, Data: "b\nc"},
		{Data: "tail"},
	}))
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{"unknown profile", []Option{WithProfile("netscape-4")}, protocol.ErrUnknownProfile},
		{"bad proxy", []Option{WithProxy("ftp://proxy:21")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts...)
			if err == nil {
				_ = c.Close()
				t.Fatal("expected an error, got nil")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
