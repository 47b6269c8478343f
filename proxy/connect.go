package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	http "github.com/sardanioss/http"
)

// connect performs an HTTP CONNECT handshake.
func (d *Dialer) connect(conn net.Conn, p *Descriptor, host, port string) (net.Conn, error) {
	target := net.JoinHostPort(host, port)

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if p.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &ReplyError{Kind: KindHTTP, Code: resp.StatusCode, Message: strings.TrimSpace(resp.Status)}
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}
