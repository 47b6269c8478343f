package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// JA3Extras provides extension data that JA3 cannot capture.
// JA3 only encodes extension IDs, not the data within them.
type JA3Extras struct {
	SignatureAlgorithms []uint16
	ALPN                []string
	CertCompression     []uint16
	KeyShares           []uint16
	RecordSizeLimit     uint16
	PermuteExtensions   bool
}

func defaultJA3Extras() *JA3Extras {
	return &JA3Extras{
		SignatureAlgorithms: chromeSignatureAlgorithms,
		ALPN:                []string{"h2", "http/1.1"},
		CertCompression:     []uint16{2},
		RecordSizeLimit:     0x4001,
	}
}

// ParseJA3 builds a TLSProfile from a JA3 string:
//
//	TLSVersion,CipherSuites,Extensions,EllipticCurves,PointFormats
//
// with dash-separated decimal values. Zero-valued extras take Chrome
// defaults. JA3 carries no GREASE, so the result has no GREASE positions.
func ParseJA3(ja3 string, extras *JA3Extras) (*TLSProfile, error) {
	merged := *defaultJA3Extras()
	if extras != nil {
		if extras.SignatureAlgorithms != nil {
			merged.SignatureAlgorithms = extras.SignatureAlgorithms
		}
		if extras.ALPN != nil {
			merged.ALPN = extras.ALPN
		}
		if extras.CertCompression != nil {
			merged.CertCompression = extras.CertCompression
		}
		if extras.KeyShares != nil {
			merged.KeyShares = extras.KeyShares
		}
		if extras.RecordSizeLimit != 0 {
			merged.RecordSizeLimit = extras.RecordSizeLimit
		}
		merged.PermuteExtensions = extras.PermuteExtensions
	}

	fields := strings.Split(strings.TrimSpace(ja3), ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("ja3: expected 5 comma-separated fields, got %d", len(fields))
	}

	version, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid TLS version %q: %w", fields[0], err)
	}
	ciphers, err := parseDashSeparatedUint16(fields[1])
	if err != nil {
		return nil, fmt.Errorf("ja3: cipher suites: %w", err)
	}
	if len(ciphers) == 0 {
		return nil, fmt.Errorf("ja3: no cipher suites")
	}
	exts, err := parseDashSeparatedUint16(fields[2])
	if err != nil {
		return nil, fmt.Errorf("ja3: extensions: %w", err)
	}
	curves, err := parseDashSeparatedUint16(fields[3])
	if err != nil {
		return nil, fmt.Errorf("ja3: curves: %w", err)
	}
	points, err := parseDashSeparatedUint8(fields[4])
	if err != nil {
		return nil, fmt.Errorf("ja3: point formats: %w", err)
	}

	t := &TLSProfile{
		MinVersion:          0x0303,
		MaxVersion:          uint16(version),
		CipherSuites:        ciphers,
		Extensions:          exts,
		Curves:              curves,
		PointFormats:        points,
		SignatureAlgorithms: merged.SignatureAlgorithms,
		ALPN:                merged.ALPN,
		CertCompression:     merged.CertCompression,
		RecordSizeLimit:     merged.RecordSizeLimit,
		PSKModes:            []uint8{1},
		PermuteExtensions:   merged.PermuteExtensions,
	}
	if version < 0x0303 {
		t.MinVersion = uint16(version)
	}
	if slices.Contains(exts, ExtSupportedVersions) {
		t.SupportedVersions = []uint16{0x0304, 0x0303}
		t.MaxVersion = 0x0304
	}
	if slices.Contains(exts, ExtSessionTicket) {
		t.SessionTicket = true
	}
	if slices.Contains(exts, ExtPreSharedKey) {
		t.PreSharedKey = true
	}
	if slices.Contains(exts, ExtEncryptedClientHello) {
		t.ECHGrease = true
	}
	if slices.Contains(exts, ExtApplicationSettings) || slices.Contains(exts, ExtApplicationSettings2) {
		t.ALPS = []string{"h2"}
	}
	if slices.Contains(exts, ExtDelegatedCredentials) {
		t.DelegatedCredentials = []uint16{0x0403, 0x0503, 0x0603, 0x0203}
	}
	if slices.Contains(exts, ExtKeyShare) {
		t.KeyShares = merged.KeyShares
		if len(t.KeyShares) == 0 {
			// Browsers send a share for the preferred group only and rely
			// on HelloRetryRequest for the rest.
			for _, c := range curves {
				if !IsGREASE(c) {
					t.KeyShares = []uint16{c}
					break
				}
			}
		}
	}
	return t, nil
}

// sentExtensions returns the extensions a fresh (non-resuming) handshake
// puts on the wire.
func (t *TLSProfile) sentExtensions() []uint16 {
	out := make([]uint16, 0, len(t.Extensions))
	for _, e := range t.Extensions {
		if e == ExtPreSharedKey || (e == ExtEncryptedClientHello && !t.ECHGrease) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// JA3 returns the JA3 string a fresh handshake under this profile produces,
// with GREASE removed and extensions in declared order.
func (t *TLSProfile) JA3() string {
	return ja3String(0x0303, t.CipherSuites, t.sentExtensions(), t.Curves, t.PointFormats)
}

// JA3Hash returns the MD5 of JA3.
func (t *TLSProfile) JA3Hash() string {
	return md5Hex(t.JA3())
}

func ja3String(version uint16, ciphers, exts, curves []uint16, points []uint8) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(version)))
	b.WriteByte(',')
	writeDashed(&b, ciphers)
	b.WriteByte(',')
	writeDashed(&b, exts)
	b.WriteByte(',')
	writeDashed(&b, curves)
	b.WriteByte(',')
	for i, p := range points {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(int(p)))
	}
	return b.String()
}

func writeDashed(b *strings.Builder, vals []uint16) {
	first := true
	for _, v := range vals {
		if IsGREASE(v) {
			continue
		}
		if !first {
			b.WriteByte('-')
		}
		first = false
		b.WriteString(strconv.Itoa(int(v)))
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func parseDashSeparatedUint16(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}

func parseDashSeparatedUint8(s string) ([]uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint8, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, uint8(v))
	}
	return result, nil
}
