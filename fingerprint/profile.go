// Package fingerprint describes browser network fingerprints: the ordered
// TLS ClientHello fields and HTTP/2 connection-preface parameters a client
// must reproduce to be indistinguishable from a given browser build.
//
// Profiles are plain data. They are registered once, validated, deep-copied
// and never mutated afterwards; TLS backends translate them to wire bytes.
package fingerprint

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// GREASE marks a position where the TLS backend inserts a per-connection
// GREASE value (RFC 8701). The position is fixed; the value rotates.
const GREASE uint16 = 0x0a0a

// IsGREASE reports whether v is one of the sixteen reserved GREASE values.
func IsGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// TLS extension identifiers used by built-in profiles.
const (
	ExtServerName           uint16 = 0
	ExtStatusRequest        uint16 = 5
	ExtSupportedGroups      uint16 = 10
	ExtECPointFormats       uint16 = 11
	ExtSignatureAlgorithms  uint16 = 13
	ExtALPN                 uint16 = 16
	ExtSCT                  uint16 = 18
	ExtPadding              uint16 = 21
	ExtExtendedMasterSecret uint16 = 23
	ExtCompressCertificate  uint16 = 27
	ExtRecordSizeLimit      uint16 = 28
	ExtDelegatedCredentials uint16 = 34
	ExtSessionTicket        uint16 = 35
	ExtPreSharedKey         uint16 = 41
	ExtSupportedVersions    uint16 = 43
	ExtPSKKeyExchangeModes  uint16 = 45
	ExtSignatureAlgsCert    uint16 = 50
	ExtKeyShare             uint16 = 51
	ExtApplicationSettings  uint16 = 17513
	ExtApplicationSettings2 uint16 = 17613
	ExtEncryptedClientHello uint16 = 65037
	ExtRenegotiationInfo    uint16 = 65281
)

// HTTP/2 SETTINGS identifiers.
const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
	SettingEnableConnectProto   uint16 = 0x8
	SettingNoRFC7540Priorities  uint16 = 0x9
)

// TLSProfile is the ordered content of a ClientHello.
type TLSProfile struct {
	MinVersion uint16
	MaxVersion uint16

	CipherSuites            []uint16
	Extensions              []uint16
	Curves                  []uint16
	KeyShares               []uint16
	PointFormats            []uint8
	SignatureAlgorithms     []uint16
	SignatureAlgorithmsCert []uint16
	DelegatedCredentials    []uint16
	SupportedVersions       []uint16
	PSKModes                []uint8
	ALPN                    []string
	ALPS                    []string
	CertCompression         []uint16
	RecordSizeLimit         uint16

	// SessionTicket offers the session_ticket extension and stores tickets.
	SessionTicket bool

	// PreSharedKey resumes TLS 1.3 sessions through the pre_shared_key
	// extension when a cached session exists.
	PreSharedKey bool

	// PermuteExtensions shuffles non-GREASE extensions per connection,
	// as Chrome 110+ does. GREASE, padding and pre_shared_key keep position.
	PermuteExtensions bool

	// ECHGrease keeps the encrypted_client_hello GREASE extension. When
	// false it is dropped from Extensions at handshake time.
	ECHGrease bool
}

// Setting is one HTTP/2 SETTINGS parameter.
type Setting struct {
	ID  uint16
	Val uint32
}

// Priority describes an HTTP/2 priority: a standalone PRIORITY frame when
// part of HTTP2Profile.Priorities, or the priority block of a HEADERS frame.
type Priority struct {
	StreamID  uint32 // ignored for HEADERS priority
	DependsOn uint32
	Exclusive bool
	Weight    uint16 // 1..256; the wire carries Weight-1
}

// HTTP2Profile is the post-handshake frame sequence of a browser.
type HTTP2Profile struct {
	Settings               []Setting
	ConnectionWindowUpdate uint32
	Priorities             []Priority
	PseudoHeaderOrder      []string
	HeaderPriority         *Priority
}

// HeaderField is a default request header with its browser casing.
type HeaderField struct {
	Name  string
	Value string
}

// Profile is a named, immutable browser fingerprint.
type Profile struct {
	Name      string
	UserAgent string
	TLS       TLSProfile

	// HTTP2 is nil for profiles that only speak HTTP/1.1.
	HTTP2 *HTTP2Profile

	// Headers are sent by default, in this order. The User-Agent, if
	// present here, takes UserAgent's value.
	Headers []HeaderField
}

func (p *HTTP2Profile) setting(id uint16) (uint32, bool) {
	for _, s := range p.Settings {
		if s.ID == id {
			return s.Val, true
		}
	}
	return 0, false
}

// HeaderTableSize returns SETTINGS_HEADER_TABLE_SIZE, defaulting to 4096.
func (p *HTTP2Profile) HeaderTableSize() uint32 {
	if v, ok := p.setting(SettingHeaderTableSize); ok {
		return v
	}
	return 4096
}

// EnablePush returns SETTINGS_ENABLE_PUSH, defaulting to true.
func (p *HTTP2Profile) EnablePush() bool {
	if v, ok := p.setting(SettingEnablePush); ok {
		return v != 0
	}
	return true
}

// InitialWindowSize returns SETTINGS_INITIAL_WINDOW_SIZE, defaulting to 65535.
func (p *HTTP2Profile) InitialWindowSize() uint32 {
	if v, ok := p.setting(SettingInitialWindowSize); ok {
		return v
	}
	return 65535
}

// MaxFrameSize returns SETTINGS_MAX_FRAME_SIZE, defaulting to 16384.
func (p *HTTP2Profile) MaxFrameSize() uint32 {
	if v, ok := p.setting(SettingMaxFrameSize); ok {
		return v
	}
	return 16384
}

// MaxHeaderListSize returns SETTINGS_MAX_HEADER_LIST_SIZE; zero means unlimited.
func (p *HTTP2Profile) MaxHeaderListSize() uint32 {
	v, _ := p.setting(SettingMaxHeaderListSize)
	return v
}

// FirstStreamID returns the first client stream id usable for requests:
// one past the highest id claimed by the preface PRIORITY frames.
func (p *HTTP2Profile) FirstStreamID() uint32 {
	id := uint32(1)
	for _, pr := range p.Priorities {
		if pr.StreamID >= id {
			id = pr.StreamID + 2
		}
	}
	if id%2 == 0 {
		id++
	}
	return id
}

// SupportsHTTP2 reports whether the profile offers h2 in ALPN.
func (p *Profile) SupportsHTTP2() bool {
	return p.HTTP2 != nil && slices.Contains(p.TLS.ALPN, "h2")
}

// Header returns the default value for name (case-insensitive).
func (p *Profile) Header(name string) (string, bool) {
	f, ok := lo.Find(p.Headers, func(h HeaderField) bool {
		return strings.EqualFold(h.Name, name)
	})
	return f.Value, ok
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.TLS = p.TLS.clone()
	c.Headers = slices.Clone(p.Headers)
	if p.HTTP2 != nil {
		h := *p.HTTP2
		h.Settings = slices.Clone(p.HTTP2.Settings)
		h.Priorities = slices.Clone(p.HTTP2.Priorities)
		h.PseudoHeaderOrder = slices.Clone(p.HTTP2.PseudoHeaderOrder)
		if p.HTTP2.HeaderPriority != nil {
			hp := *p.HTTP2.HeaderPriority
			h.HeaderPriority = &hp
		}
		c.HTTP2 = &h
	}
	return &c
}

func (t TLSProfile) clone() TLSProfile {
	t.CipherSuites = slices.Clone(t.CipherSuites)
	t.Extensions = slices.Clone(t.Extensions)
	t.Curves = slices.Clone(t.Curves)
	t.KeyShares = slices.Clone(t.KeyShares)
	t.PointFormats = slices.Clone(t.PointFormats)
	t.SignatureAlgorithms = slices.Clone(t.SignatureAlgorithms)
	t.SignatureAlgorithmsCert = slices.Clone(t.SignatureAlgorithmsCert)
	t.DelegatedCredentials = slices.Clone(t.DelegatedCredentials)
	t.SupportedVersions = slices.Clone(t.SupportedVersions)
	t.PSKModes = slices.Clone(t.PSKModes)
	t.ALPN = slices.Clone(t.ALPN)
	t.ALPS = slices.Clone(t.ALPS)
	t.CertCompression = slices.Clone(t.CertCompression)
	return t
}

var validPseudo = []string{":method", ":authority", ":scheme", ":path"}

// Validate checks the structural rules every registered profile obeys.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: empty name")
	}
	t := &p.TLS
	if len(lo.Reject(t.CipherSuites, func(c uint16, _ int) bool { return IsGREASE(c) })) == 0 {
		return fmt.Errorf("profile %s: empty cipher suite list", p.Name)
	}
	if len(t.ALPN) == 0 {
		return fmt.Errorf("profile %s: empty ALPN list", p.Name)
	}
	if !slices.Contains(t.Extensions, ExtALPN) {
		return fmt.Errorf("profile %s: ALPN protocols declared without the ALPN extension", p.Name)
	}
	hasH2 := slices.Contains(t.ALPN, "h2")
	if hasH2 && p.HTTP2 == nil {
		return fmt.Errorf("profile %s: ALPN offers h2 but no HTTP/2 parameters are set", p.Name)
	}
	if !hasH2 && p.HTTP2 != nil {
		return fmt.Errorf("profile %s: HTTP/2 parameters set but ALPN does not offer h2", p.Name)
	}
	if dup := lo.FindDuplicates(lo.Reject(t.Extensions, func(e uint16, _ int) bool { return IsGREASE(e) })); len(dup) > 0 {
		return fmt.Errorf("profile %s: duplicate extensions %v", p.Name, dup)
	}
	if slices.Contains(t.Extensions, ExtKeyShare) && len(t.KeyShares) == 0 {
		return fmt.Errorf("profile %s: key_share extension without key shares", p.Name)
	}
	if p.HTTP2 == nil {
		return nil
	}
	h := p.HTTP2
	if len(h.PseudoHeaderOrder) != len(validPseudo) {
		return fmt.Errorf("profile %s: pseudo-header order must name all of %v", p.Name, validPseudo)
	}
	for _, ph := range h.PseudoHeaderOrder {
		if !slices.Contains(validPseudo, ph) {
			return fmt.Errorf("profile %s: unknown pseudo-header %q", p.Name, ph)
		}
	}
	if len(lo.Uniq(h.PseudoHeaderOrder)) != len(h.PseudoHeaderOrder) {
		return fmt.Errorf("profile %s: repeated pseudo-header", p.Name)
	}
	prios := h.Priorities
	if h.HeaderPriority != nil {
		prios = append(slices.Clone(prios), *h.HeaderPriority)
	}
	for _, pr := range prios {
		if pr.Weight < 1 || pr.Weight > 256 {
			return fmt.Errorf("profile %s: priority weight %d out of range", p.Name, pr.Weight)
		}
	}
	for _, pr := range h.Priorities {
		if pr.StreamID == 0 || pr.StreamID%2 == 0 {
			return fmt.Errorf("profile %s: PRIORITY frame on invalid stream %d", p.Name, pr.StreamID)
		}
		if pr.StreamID == pr.DependsOn {
			return fmt.Errorf("profile %s: stream %d depends on itself", p.Name, pr.StreamID)
		}
	}
	return nil
}
