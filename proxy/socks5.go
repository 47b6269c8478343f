package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// SOCKS5 protocol constants (RFC 1928, RFC 1929).
const (
	socks5Version = 0x05

	authNone     = 0x00
	authPassword = 0x02
	authNoAccept = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess          = 0x00
	replyGeneralFailure   = 0x01
	replyConnNotAllowed   = 0x02
	replyNetworkUnreach   = 0x03
	replyHostUnreach      = 0x04
	replyConnRefused      = 0x05
	replyTTLExpired       = 0x06
	replyCmdNotSupported  = 0x07
	replyAddrNotSupported = 0x08
)

func socks5ReplyString(code byte) string {
	switch code {
	case replySuccess:
		return "success"
	case replyGeneralFailure:
		return "general SOCKS server failure"
	case replyConnNotAllowed:
		return "connection not allowed by ruleset"
	case replyNetworkUnreach:
		return "network unreachable"
	case replyHostUnreach:
		return "host unreachable"
	case replyConnRefused:
		return "connection refused"
	case replyTTLExpired:
		return "TTL expired"
	case replyCmdNotSupported:
		return "command not supported"
	case replyAddrNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown error (code %d)", code)
	}
}

// socks5 negotiates authentication and sends a CONNECT request. socks5h
// passes hostnames to the proxy; socks5 resolves them locally first.
func (d *Dialer) socks5(ctx context.Context, conn net.Conn, p *Descriptor, host string, port uint16) error {
	if err := socks5Negotiate(conn, p); err != nil {
		return err
	}

	req := []byte{socks5Version, cmdConnect, 0x00}
	ip := net.ParseIP(host)
	if ip == nil && p.Kind == KindSOCKS5 {
		ips, err := d.resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("resolving %s for SOCKS5: %w", host, err)
		}
		if len(ips) == 0 {
			return fmt.Errorf("no addresses for %s", host)
		}
		ip = ips[0]
	}
	switch {
	case ip != nil && ip.To4() != nil:
		req = append(req, atypIPv4)
		req = append(req, ip.To4()...)
	case ip != nil:
		req = append(req, atypIPv6)
		req = append(req, ip.To16()...)
	default:
		if len(host) > 255 {
			return errors.New("domain name too long")
		}
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = binary.BigEndian.AppendUint16(req, port)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send CONNECT request: %w", err)
	}
	return readSOCKS5Reply(conn, p.Kind)
}

// socks5Negotiate performs version negotiation and authentication
func socks5Negotiate(conn net.Conn, p *Descriptor) error {
	greeting := []byte{socks5Version, 0x01, authNone}
	if p.Username != "" {
		greeting = []byte{socks5Version, 0x02, authNone, authPassword}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read method selection: %w", err)
	}
	if resp[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version: %d", resp[0])
	}

	switch resp[1] {
	case authNone:
		return nil
	case authPassword:
		return socks5PasswordAuth(conn, p)
	case authNoAccept:
		return &ReplyError{Kind: p.Kind, Code: authNoAccept, Message: "no acceptable authentication methods"}
	default:
		return fmt.Errorf("unsupported authentication method: %d", resp[1])
	}
}

// socks5PasswordAuth performs username/password authentication (RFC 1929)
func socks5PasswordAuth(conn net.Conn, p *Descriptor) error {
	if p.Username == "" {
		return errors.New("proxy requires authentication but no credentials provided")
	}

	// VER(1) + ULEN(1) + UNAME + PLEN(1) + PASSWD
	req := make([]byte, 0, 3+len(p.Username)+len(p.Password))
	req = append(req, 0x01, byte(len(p.Username)))
	req = append(req, p.Username...)
	req = append(req, byte(len(p.Password)))
	req = append(req, p.Password...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp[1] != 0x00 {
		return &ReplyError{Kind: p.Kind, Code: int(resp[1]), Message: "authentication failed"}
	}
	return nil
}

// readSOCKS5Reply reads the full CONNECT reply including the bound address,
// so no reply bytes leak into the tunnel.
func readSOCKS5Reply(conn net.Conn, kind Kind) error {
	// VER(1) + REP(1) + RSV(1) + ATYP(1)
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("failed to read reply header: %w", err)
	}
	if header[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version in reply: %d", header[0])
	}
	if header[1] != replySuccess {
		return &ReplyError{Kind: kind, Code: int(header[1]), Message: socks5ReplyString(header[1])}
	}

	var rest int
	switch header[3] {
	case atypIPv4:
		rest = 4 + 2
	case atypIPv6:
		rest = 16 + 2
	case atypDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return fmt.Errorf("failed to read domain length: %w", err)
		}
		rest = int(n[0]) + 2
	default:
		return fmt.Errorf("unsupported address type in reply: %d", header[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, rest)); err != nil {
		return fmt.Errorf("failed to read bound address: %w", err)
	}
	return nil
}
