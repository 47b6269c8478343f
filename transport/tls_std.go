package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// StdBackend uses crypto/tls. It carries no browser fingerprint and is used
// for hops where none is wanted, such as TLS to an https proxy.
type StdBackend struct{}

// Client implements Backend. Only the profile's ALPN list and version
// bounds are honoured.
func (StdBackend) Client(conn net.Conn, cfg *HandshakeConfig) (Handshaker, error) {
	c := &tls.Config{
		ServerName:         cfg.ServerName,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         cfg.ALPN(),
		KeyLogWriter:       cfg.keyLogWriter(),
	}
	if cfg.Profile != nil {
		c.MinVersion = cfg.Profile.TLS.MinVersion
		c.MaxVersion = cfg.Profile.TLS.MaxVersion
	}
	if cfg.VerifyPeer != nil {
		c.VerifyPeerCertificate = cfg.verifyPeerCertificate
	}
	if cfg.ClientCertificate != nil {
		c.Certificates = []tls.Certificate{*cfg.ClientCertificate}
	}
	return &stdConn{Conn: tls.Client(conn, c)}, nil
}

type stdConn struct {
	*tls.Conn
}

func (c *stdConn) HandshakeContext(ctx context.Context) error {
	return c.Conn.HandshakeContext(ctx)
}

func (c *stdConn) State() TLSState {
	cs := c.ConnectionState()
	return TLSState{
		Version:            cs.Version,
		CipherSuite:        cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		ServerName:         cs.ServerName,
		DidResume:          cs.DidResume,
		PeerCertificates:   cs.PeerCertificates,
	}
}

func (c *stdConn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	cs := c.ConnectionState()
	return cs.ExportKeyingMaterial(label, context, length)
}
