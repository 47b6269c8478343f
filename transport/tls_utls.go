package transport

import (
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/sardanioss/wirecloak/fingerprint"
	tls "github.com/sardanioss/utls"
)

// UTLSBackend drives handshakes through uTLS with a ClientHello built field
// by field from the profile.
type UTLSBackend struct{}

// Client implements Backend.
func (UTLSBackend) Client(conn net.Conn, cfg *HandshakeConfig) (Handshaker, error) {
	if cfg.Profile == nil {
		return nil, errors.New("utls: handshake config has no profile")
	}
	t := &cfg.Profile.TLS

	resume := cfg.SessionCache != nil && (t.SessionTicket || t.PreSharedKey)
	withPSK := resume && t.PreSharedKey && cfg.SessionCache.Has(cfg.ServerName)
	spec, err := buildClientHelloSpec(t, cfg.ALPN(), withPSK)
	if err != nil {
		return nil, err
	}

	uc := &tls.Config{
		ServerName:         cfg.ServerName,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         cfg.ALPN(),
		MinVersion:         t.MinVersion,
		MaxVersion:         t.MaxVersion,
		KeyLogWriter:       cfg.keyLogWriter(),
	}
	if cfg.VerifyPeer != nil {
		uc.VerifyPeerCertificate = cfg.verifyPeerCertificate
	}
	if c := cfg.ClientCertificate; c != nil {
		uc.Certificates = []tls.Certificate{{Certificate: c.Certificate, PrivateKey: c.PrivateKey, Leaf: c.Leaf}}
	}
	if resume {
		uc.ClientSessionCache = cfg.SessionCache
	}

	u := tls.UClient(conn, uc, tls.HelloCustom)
	if err := u.ApplyPreset(spec); err != nil {
		return nil, fmt.Errorf("utls: applying ClientHello for %s: %w", cfg.ServerName, err)
	}
	if resume {
		u.SetSessionCache(cfg.SessionCache)
	}
	return &utlsConn{UConn: u}, nil
}

type utlsConn struct {
	*tls.UConn
}

func (c *utlsConn) State() TLSState {
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

func (c *utlsConn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	cs := c.ConnectionState()
	return cs.ExportKeyingMaterial(label, context, length)
}

// buildClientHelloSpec translates a TLS profile into a uTLS spec. GREASE
// markers become uTLS GREASE placeholders, which uTLS fills with fresh
// values per connection at the same positions.
func buildClientHelloSpec(t *fingerprint.TLSProfile, alpn []string, withPSK bool) (*tls.ClientHelloSpec, error) {
	exts := make([]tls.TLSExtension, 0, len(t.Extensions))
	for _, id := range t.Extensions {
		switch {
		case id == fingerprint.ExtPreSharedKey && !withPSK:
			continue
		case id == fingerprint.ExtEncryptedClientHello && !t.ECHGrease:
			continue
		case id == fingerprint.ExtSessionTicket && !t.SessionTicket:
			continue
		}
		ext, err := extensionFor(id, t, alpn)
		if err != nil {
			return nil, err
		}
		exts = append(exts, ext)
	}
	if t.PermuteExtensions {
		exts = tls.ShuffleChromeTLSExtensions(exts)
	}

	return &tls.ClientHelloSpec{
		TLSVersMin:         t.MinVersion,
		TLSVersMax:         t.MaxVersion,
		CipherSuites:       slices.Clone(t.CipherSuites),
		CompressionMethods: []uint8{0},
		Extensions:         exts,
	}, nil
}

func extensionFor(id uint16, t *fingerprint.TLSProfile, alpn []string) (tls.TLSExtension, error) {
	if fingerprint.IsGREASE(id) {
		return &tls.UtlsGREASEExtension{}, nil
	}
	switch id {
	case fingerprint.ExtServerName:
		return &tls.SNIExtension{}, nil
	case fingerprint.ExtStatusRequest:
		return &tls.StatusRequestExtension{}, nil
	case fingerprint.ExtSupportedGroups:
		return &tls.SupportedCurvesExtension{Curves: curveIDs(t.Curves)}, nil
	case fingerprint.ExtECPointFormats:
		return &tls.SupportedPointsExtension{SupportedPoints: slices.Clone(t.PointFormats)}, nil
	case fingerprint.ExtSignatureAlgorithms:
		return &tls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: schemes(t.SignatureAlgorithms)}, nil
	case fingerprint.ExtALPN:
		return &tls.ALPNExtension{AlpnProtocols: slices.Clone(alpn)}, nil
	case fingerprint.ExtSCT:
		return &tls.SCTExtension{}, nil
	case fingerprint.ExtPadding:
		return &tls.UtlsPaddingExtension{GetPaddingLen: tls.BoringPaddingStyle}, nil
	case fingerprint.ExtExtendedMasterSecret:
		return &tls.UtlsExtendedMasterSecretExtension{}, nil
	case fingerprint.ExtCompressCertificate:
		algos := make([]tls.CertCompressionAlgo, len(t.CertCompression))
		for i, a := range t.CertCompression {
			algos[i] = tls.CertCompressionAlgo(a)
		}
		return &tls.UtlsCompressCertExtension{Algorithms: algos}, nil
	case fingerprint.ExtRecordSizeLimit:
		limit := t.RecordSizeLimit
		if limit == 0 {
			limit = 0x4001
		}
		return &tls.FakeRecordSizeLimitExtension{Limit: limit}, nil
	case fingerprint.ExtDelegatedCredentials:
		return &tls.DelegatedCredentialsExtension{SupportedSignatureAlgorithms: schemes(t.DelegatedCredentials)}, nil
	case fingerprint.ExtSessionTicket:
		return &tls.SessionTicketExtension{}, nil
	case fingerprint.ExtPreSharedKey:
		return &tls.UtlsPreSharedKeyExtension{}, nil
	case fingerprint.ExtSupportedVersions:
		return &tls.SupportedVersionsExtension{Versions: slices.Clone(t.SupportedVersions)}, nil
	case fingerprint.ExtPSKKeyExchangeModes:
		modes := t.PSKModes
		if len(modes) == 0 {
			modes = []uint8{tls.PskModeDHE}
		}
		return &tls.PSKKeyExchangeModesExtension{Modes: slices.Clone(modes)}, nil
	case fingerprint.ExtSignatureAlgsCert:
		return &tls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: schemes(t.SignatureAlgorithmsCert)}, nil
	case fingerprint.ExtKeyShare:
		shares := make([]tls.KeyShare, 0, len(t.KeyShares))
		for _, g := range t.KeyShares {
			if fingerprint.IsGREASE(g) {
				shares = append(shares, tls.KeyShare{Group: tls.CurveID(tls.GREASE_PLACEHOLDER), Data: []byte{0}})
				continue
			}
			shares = append(shares, tls.KeyShare{Group: tls.CurveID(g)})
		}
		return &tls.KeyShareExtension{KeyShares: shares}, nil
	case fingerprint.ExtApplicationSettings:
		return &tls.ApplicationSettingsExtension{SupportedProtocols: slices.Clone(t.ALPS)}, nil
	case fingerprint.ExtApplicationSettings2:
		return &tls.ApplicationSettingsExtensionNew{SupportedProtocols: slices.Clone(t.ALPS)}, nil
	case fingerprint.ExtEncryptedClientHello:
		return tls.BoringGREASEECH(), nil
	case fingerprint.ExtRenegotiationInfo:
		return &tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient}, nil
	}
	return &tls.GenericExtension{Id: id}, nil
}

func curveIDs(in []uint16) []tls.CurveID {
	out := make([]tls.CurveID, len(in))
	for i, c := range in {
		out[i] = tls.CurveID(c)
	}
	return out
}

func schemes(in []uint16) []tls.SignatureScheme {
	out := make([]tls.SignatureScheme, len(in))
	for i, s := range in {
		out[i] = tls.SignatureScheme(s)
	}
	return out
}
