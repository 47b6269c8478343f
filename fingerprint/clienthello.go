package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// Extension is one raw ClientHello extension.
type Extension struct {
	Type uint16
	Data []byte
}

// ClientHello is a parsed ClientHello message.
type ClientHello struct {
	Version             uint16
	Random              []byte
	SessionID           []byte
	CipherSuites        []uint16
	CompressionMethods  []uint8
	Extensions          []Extension
	ServerName          string
	Curves              []uint16
	PointFormats        []uint8
	SignatureAlgorithms []uint16
	ALPN                []string
	SupportedVersions   []uint16
	KeyShareGroups      []uint16
	CertCompression     []uint16
}

var errMalformed = errors.New("malformed ClientHello")

// ReadClientHello reads one TLS handshake record from r and returns it,
// header included.
func ReadClientHello(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != 0x16 {
		return nil, fmt.Errorf("%w: record type %#x", errMalformed, hdr[0])
	}
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	rec := make([]byte, 5+n)
	copy(rec, hdr)
	if _, err := io.ReadFull(r, rec[5:]); err != nil {
		return nil, err
	}
	return rec, nil
}

// ParseClientHello parses a ClientHello from a TLS record (starting with
// 0x16) or a bare handshake message (starting with 0x01).
func ParseClientHello(data []byte) (*ClientHello, error) {
	s := cryptobyte.String(data)
	if len(data) > 0 && data[0] == 0x16 {
		var ctype uint8
		var legacy uint16
		var body cryptobyte.String
		if !s.ReadUint8(&ctype) || !s.ReadUint16(&legacy) || !s.ReadUint16LengthPrefixed(&body) {
			return nil, fmt.Errorf("%w: truncated record", errMalformed)
		}
		s = body
	}

	var msgType uint8
	var msg cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != 1 || !s.ReadUint24LengthPrefixed(&msg) {
		return nil, fmt.Errorf("%w: not a client_hello", errMalformed)
	}

	ch := &ClientHello{}
	var random, sessionID, ciphers, compression cryptobyte.String
	if !msg.ReadUint16(&ch.Version) ||
		!msg.ReadBytes((*[]byte)(&random), 32) ||
		!msg.ReadUint8LengthPrefixed(&sessionID) ||
		!msg.ReadUint16LengthPrefixed(&ciphers) ||
		!msg.ReadUint8LengthPrefixed(&compression) {
		return nil, fmt.Errorf("%w: truncated header", errMalformed)
	}
	ch.Random = []byte(random)
	ch.SessionID = []byte(sessionID)
	for !ciphers.Empty() {
		var c uint16
		if !ciphers.ReadUint16(&c) {
			return nil, fmt.Errorf("%w: cipher suites", errMalformed)
		}
		ch.CipherSuites = append(ch.CipherSuites, c)
	}
	ch.CompressionMethods = []uint8(compression)

	if msg.Empty() {
		return ch, nil
	}
	var exts cryptobyte.String
	if !msg.ReadUint16LengthPrefixed(&exts) {
		return nil, fmt.Errorf("%w: extensions", errMalformed)
	}
	for !exts.Empty() {
		var typ uint16
		var body cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&body) {
			return nil, fmt.Errorf("%w: extension header", errMalformed)
		}
		ch.Extensions = append(ch.Extensions, Extension{Type: typ, Data: []byte(body)})
		if err := ch.parseExtension(typ, body); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func readUint16List(s *cryptobyte.String, out *[]uint16) bool {
	for !s.Empty() {
		var v uint16
		if !s.ReadUint16(&v) {
			return false
		}
		*out = append(*out, v)
	}
	return true
}

func (ch *ClientHello) parseExtension(typ uint16, body cryptobyte.String) error {
	var list cryptobyte.String
	ok := true
	switch typ {
	case ExtServerName:
		if !body.ReadUint16LengthPrefixed(&list) {
			ok = false
			break
		}
		for !list.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
				ok = false
				break
			}
			if nameType == 0 {
				ch.ServerName = string(name)
			}
		}
	case ExtSupportedGroups:
		ok = body.ReadUint16LengthPrefixed(&list) && readUint16List(&list, &ch.Curves)
	case ExtECPointFormats:
		ok = body.ReadUint8LengthPrefixed(&list)
		ch.PointFormats = []uint8(list)
	case ExtSignatureAlgorithms:
		ok = body.ReadUint16LengthPrefixed(&list) && readUint16List(&list, &ch.SignatureAlgorithms)
	case ExtALPN:
		if !body.ReadUint16LengthPrefixed(&list) {
			ok = false
			break
		}
		for !list.Empty() {
			var proto cryptobyte.String
			if !list.ReadUint8LengthPrefixed(&proto) {
				ok = false
				break
			}
			ch.ALPN = append(ch.ALPN, string(proto))
		}
	case ExtSupportedVersions:
		ok = body.ReadUint8LengthPrefixed(&list) && readUint16List(&list, &ch.SupportedVersions)
	case ExtKeyShare:
		if !body.ReadUint16LengthPrefixed(&list) {
			ok = false
			break
		}
		for !list.Empty() {
			var group uint16
			var key cryptobyte.String
			if !list.ReadUint16(&group) || !list.ReadUint16LengthPrefixed(&key) {
				ok = false
				break
			}
			ch.KeyShareGroups = append(ch.KeyShareGroups, group)
		}
	case ExtCompressCertificate:
		ok = body.ReadUint8LengthPrefixed(&list) && readUint16List(&list, &ch.CertCompression)
	}
	if !ok {
		return fmt.Errorf("%w: extension %d", errMalformed, typ)
	}
	return nil
}

// ExtensionTypes returns the extension ids in wire order.
func (ch *ClientHello) ExtensionTypes() []uint16 {
	out := make([]uint16, len(ch.Extensions))
	for i, e := range ch.Extensions {
		out[i] = e.Type
	}
	return out
}

// JA3 returns the JA3 string of the hello.
func (ch *ClientHello) JA3() string {
	return ja3String(ch.Version, ch.CipherSuites, ch.ExtensionTypes(), ch.Curves, ch.PointFormats)
}

// JA3Hash returns the MD5 of JA3.
func (ch *ClientHello) JA3Hash() string {
	return md5Hex(ch.JA3())
}

// JA4 returns the JA4 fingerprint (TCP variant) of the hello.
func (ch *ClientHello) JA4() string {
	version := ch.Version
	for _, v := range ch.SupportedVersions {
		if !IsGREASE(v) && v > version {
			version = v
		}
	}
	ver := map[uint16]string{0x0304: "13", 0x0303: "12", 0x0302: "11", 0x0301: "10", 0x0300: "s3"}[version]
	if ver == "" {
		ver = "00"
	}

	sni := "i"
	if ch.ServerName != "" || slices.Contains(ch.ExtensionTypes(), ExtServerName) {
		sni = "d"
	}

	ciphers := withoutGREASE(ch.CipherSuites)
	exts := withoutGREASE(ch.ExtensionTypes())

	alpn := "00"
	if len(ch.ALPN) > 0 && ch.ALPN[0] != "" {
		a := ch.ALPN[0]
		first, last := a[0], a[len(a)-1]
		if isAlnum(first) && isAlnum(last) {
			alpn = string([]byte{first, last})
		} else {
			alpn = hex.EncodeToString([]byte{first})[:1] + hex.EncodeToString([]byte{last})[1:]
		}
	}

	a := fmt.Sprintf("t%s%s%02d%02d%s", ver, sni, min(len(ciphers), 99), min(len(exts), 99), alpn)

	b := truncatedHash(sortedHex(ciphers))

	var c string
	sortedExts := sortedHex(slices.DeleteFunc(slices.Clone(exts), func(e uint16) bool {
		return e == ExtServerName || e == ExtALPN
	}))
	if sortedExts == "" {
		c = "000000000000"
	} else {
		if len(ch.SignatureAlgorithms) > 0 {
			sortedExts += "_" + joinHex(withoutGREASE(ch.SignatureAlgorithms))
		}
		c = truncatedHash(sortedExts)
	}
	return a + "_" + b + "_" + c
}

// Normalized returns the hello with connection-specific content removed:
// GREASE values collapsed, and the random, session id, SNI name, key share
// data, padding and ECH payloads dropped. Two hellos built from the same
// profile for different hosts normalize to the same string.
func (ch *ClientHello) Normalized() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%04x;c=%s;e=", ch.Version, joinHex(collapseGREASE(ch.CipherSuites)))
	b.WriteString(joinHex(collapseGREASE(ch.ExtensionTypes())))
	fmt.Fprintf(&b, ";g=%s;k=%s;s=%s;sv=%s;a=%s;p=%x;cc=%s",
		joinHex(collapseGREASE(ch.Curves)),
		joinHex(collapseGREASE(ch.KeyShareGroups)),
		joinHex(ch.SignatureAlgorithms),
		joinHex(collapseGREASE(ch.SupportedVersions)),
		strings.Join(ch.ALPN, ","),
		ch.PointFormats,
		joinHex(ch.CertCompression),
	)
	return b.String()
}

func withoutGREASE(vals []uint16) []uint16 {
	out := make([]uint16, 0, len(vals))
	for _, v := range vals {
		if !IsGREASE(v) {
			out = append(out, v)
		}
	}
	return out
}

func collapseGREASE(vals []uint16) []uint16 {
	out := slices.Clone(vals)
	for i, v := range out {
		if IsGREASE(v) {
			out[i] = GREASE
		}
	}
	return out
}

func joinHex(vals []uint16) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%04x", v)
	}
	return strings.Join(parts, ",")
}

func sortedHex(vals []uint16) string {
	s := slices.Clone(vals)
	slices.Sort(s)
	return joinHex(s)
}

func truncatedHash(s string) string {
	if s == "" {
		return "000000000000"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
