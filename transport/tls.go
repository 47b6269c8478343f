package transport

import (
	"context"
	stdtls "crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"syscall"

	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/keylog"
	"github.com/sardanioss/wirecloak/protocol"
	"k8s.io/klog/v2"
)

// TLSState is what a completed handshake negotiated.
type TLSState struct {
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	ServerName         string
	DidResume          bool
	PeerCertificates   []*x509.Certificate
}

// VersionName returns e.g. "TLS 1.3".
func (s *TLSState) VersionName() string {
	return stdtls.VersionName(s.Version)
}

// CipherSuiteName returns the IANA name of the negotiated cipher.
func (s *TLSState) CipherSuiteName() string {
	return stdtls.CipherSuiteName(s.CipherSuite)
}

// Handshaker is a TLS client connection that has not necessarily completed
// its handshake yet.
type Handshaker interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
	State() TLSState
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// Backend produces Handshakers. Fingerprinting depends only on this
// interface; UTLSBackend and StdBackend are the implementations.
type Backend interface {
	Client(conn net.Conn, cfg *HandshakeConfig) (Handshaker, error)
}

// HandshakeConfig parameterises one TLS client handshake.
type HandshakeConfig struct {
	Profile    *fingerprint.Profile
	ServerName string

	// ALPNOverride replaces the profile's ALPN list. It changes the
	// fingerprint and is meant for hops that must not negotiate h2.
	ALPNOverride []string

	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	ClientCertificate  *stdtls.Certificate

	// VerifyPeer runs after standard chain verification (or instead of it
	// when InsecureSkipVerify is set).
	VerifyPeer func(chain []*x509.Certificate, serverName string) error

	SessionCache *SessionCache
	KeyLogWriter io.Writer
}

// ALPN returns the protocols offered on the wire.
func (c *HandshakeConfig) ALPN() []string {
	if c.ALPNOverride != nil {
		return c.ALPNOverride
	}
	if c.Profile == nil {
		return nil
	}
	return c.Profile.TLS.ALPN
}

func (c *HandshakeConfig) keyLogWriter() io.Writer {
	if c.KeyLogWriter != nil {
		return c.KeyLogWriter
	}
	return keylog.Writer()
}

// verifyPeerCertificate adapts VerifyPeer to the raw-certificate callback
// both TLS stacks expose.
func (c *HandshakeConfig) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if c.VerifyPeer == nil {
		return nil
	}
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		chain = append(chain, cert)
	}
	return c.VerifyPeer(chain, c.ServerName)
}

// Handshake runs the TLS handshake over conn bounded by ctx. On failure conn
// is closed and the error is an *protocol.Error of category ErrTLS with a
// Reason.
func Handshake(ctx context.Context, b Backend, conn net.Conn, cfg *HandshakeConfig) (Handshaker, error) {
	hs, err := b.Client(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &protocol.Error{Op: "handshake", Host: cfg.ServerName, Category: protocol.ErrTLS, Cause: err, Reason: protocol.ReasonOther}
	}
	if err := hs.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		reason := classifyTLSError(err)
		klog.V(2).Infof("tls: handshake with %s failed (%s): %v", cfg.ServerName, reason, err)
		return nil, &protocol.Error{Op: "handshake", Host: cfg.ServerName, Category: protocol.ErrTLS, Cause: err, Reason: reason}
	}
	st := hs.State()
	if alpn := st.NegotiatedProtocol; alpn != "" && !slices.Contains(cfg.ALPN(), alpn) {
		_ = hs.Close()
		return nil, &protocol.Error{Op: "handshake", Host: cfg.ServerName, Category: protocol.ErrTLS,
			Cause: errors.New("server selected unoffered protocol " + alpn), Reason: protocol.ReasonALPN}
	}
	return hs, nil
}

// classifyTLSError maps a handshake error to a Reason.
func classifyTLSError(err error) protocol.Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return protocol.ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return protocol.ReasonTimeout
	}

	var (
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalid     x509.CertificateInvalidError
		stdVerify   *stdtls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &invalid) || errors.As(err, &stdVerify) {
		return protocol.ReasonCertificate
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrClosedPipe) {
		return protocol.ReasonPeerClosed
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "certificate"):
		return protocol.ReasonCertificate
	case strings.Contains(msg, "protocol version"), strings.Contains(msg, "unsupported version"):
		return protocol.ReasonVersion
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return protocol.ReasonPeerClosed
	}
	return protocol.ReasonOther
}
