package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	socks4Version    = 0x04
	socks4Granted    = 90
	socks4Rejected   = 91
	socks4NoIdentd   = 92
	socks4BadIdentd  = 93
	socks4ReplyLen   = 8
	socks4MaxUserLen = 255
)

func socks4ReplyString(code byte) string {
	switch code {
	case socks4Granted:
		return "request granted"
	case socks4Rejected:
		return "request rejected or failed"
	case socks4NoIdentd:
		return "identd unreachable"
	case socks4BadIdentd:
		return "identd user mismatch"
	default:
		return "unknown reply"
	}
}

// socks4 performs a SOCKS4 CONNECT, or SOCKS4a when the proxy resolves
// the hostname. The username travels as the USERID field.
func (d *Dialer) socks4(ctx context.Context, conn net.Conn, p *Descriptor, host string, port uint16) error {
	if len(p.Username) > socks4MaxUserLen {
		return errors.New("SOCKS4 userid too long")
	}

	req := make([]byte, 0, 9+len(p.Username)+len(host)+1)
	req = append(req, socks4Version, cmdConnect)
	req = binary.BigEndian.AppendUint16(req, port)

	var hostname string
	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.To4() != nil:
		req = append(req, ip.To4()...)
	case ip != nil:
		return fmt.Errorf("SOCKS4 cannot reach IPv6 address %s", host)
	case p.Kind == KindSOCKS4A:
		// 0.0.0.x with x != 0 tells the proxy a hostname follows.
		req = append(req, 0, 0, 0, 1)
		hostname = host
	default:
		ips, err := d.resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("resolving %s for SOCKS4: %w", host, err)
		}
		var v4 net.IP
		for _, candidate := range ips {
			if candidate.To4() != nil {
				v4 = candidate.To4()
				break
			}
		}
		if v4 == nil {
			return fmt.Errorf("SOCKS4 needs an IPv4 address for %s", host)
		}
		req = append(req, v4...)
	}
	req = append(req, p.Username...)
	req = append(req, 0)
	if hostname != "" {
		req = append(req, hostname...)
		req = append(req, 0)
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send SOCKS4 request: %w", err)
	}

	reply := make([]byte, socks4ReplyLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("failed to read SOCKS4 reply: %w", err)
	}
	if reply[0] != 0 {
		return fmt.Errorf("invalid SOCKS4 reply version: %d", reply[0])
	}
	if reply[1] != socks4Granted {
		return &ReplyError{Kind: p.Kind, Code: int(reply[1]), Message: socks4ReplyString(reply[1])}
	}
	return nil
}
