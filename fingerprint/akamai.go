package fingerprint

import (
	"fmt"
	"strconv"
	"strings"
)

var pseudoLetters = map[string]string{
	":method":    "m",
	":authority": "a",
	":scheme":    "s",
	":path":      "p",
}

// Akamai renders the profile in the Akamai HTTP/2 fingerprint format:
//
//	SETTINGS|WINDOW_UPDATE|PRIORITY|PSEUDO_HEADER_ORDER
//
// e.g. "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p". PRIORITY lists
// the preface PRIORITY frames as "stream:exclusive:dependency:weight", or
// "0" when none are sent.
func (p *HTTP2Profile) Akamai() string {
	var b strings.Builder
	for i, s := range p.Settings {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%d:%d", s.ID, s.Val)
	}
	fmt.Fprintf(&b, "|%d|", p.ConnectionWindowUpdate)
	if len(p.Priorities) == 0 {
		b.WriteByte('0')
	}
	for i, pr := range p.Priorities {
		if i > 0 {
			b.WriteByte(',')
		}
		excl := 0
		if pr.Exclusive {
			excl = 1
		}
		fmt.Fprintf(&b, "%d:%d:%d:%d", pr.StreamID, excl, pr.DependsOn, pr.Weight)
	}
	b.WriteByte('|')
	for i, ph := range p.PseudoHeaderOrder {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pseudoLetters[ph])
	}
	return b.String()
}

// ParseAkamai parses an Akamai HTTP/2 fingerprint into an HTTP2Profile.
// Settings keep their order; unknown setting ids are preserved since their
// presence is itself part of the fingerprint.
func ParseAkamai(akamai string) (*HTTP2Profile, error) {
	parts := strings.Split(akamai, "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("akamai: expected 4 pipe-separated fields, got %d", len(parts))
	}

	h := &HTTP2Profile{}

	if parts[0] != "" {
		for _, pair := range strings.Split(parts[0], ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("akamai: invalid settings pair %q", pair)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("akamai: invalid settings id %q: %w", kv[0], err)
			}
			val, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("akamai: invalid settings value %q: %w", kv[1], err)
			}
			h.Settings = append(h.Settings, Setting{ID: uint16(id), Val: uint32(val)})
		}
	}

	if parts[1] != "" {
		wu, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("akamai: invalid window update %q: %w", parts[1], err)
		}
		h.ConnectionWindowUpdate = uint32(wu)
	}

	if prio := strings.TrimSpace(parts[2]); prio != "" && prio != "0" {
		for _, item := range strings.Split(prio, ",") {
			f := strings.Split(strings.TrimSpace(item), ":")
			if len(f) != 4 {
				return nil, fmt.Errorf("akamai: invalid priority %q", item)
			}
			var n [4]uint64
			for i, s := range f {
				v, err := strconv.ParseUint(s, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("akamai: invalid priority %q: %w", item, err)
				}
				n[i] = v
			}
			if n[3] < 1 || n[3] > 256 {
				return nil, fmt.Errorf("akamai: priority weight %d out of range", n[3])
			}
			h.Priorities = append(h.Priorities, Priority{
				StreamID:  uint32(n[0]),
				Exclusive: n[1] != 0,
				DependsOn: uint32(n[2]),
				Weight:    uint16(n[3]),
			})
		}
	}

	if parts[3] != "" {
		for _, ch := range strings.Split(strings.TrimSpace(parts[3]), ",") {
			switch strings.TrimSpace(ch) {
			case "m":
				h.PseudoHeaderOrder = append(h.PseudoHeaderOrder, ":method")
			case "a":
				h.PseudoHeaderOrder = append(h.PseudoHeaderOrder, ":authority")
			case "s":
				h.PseudoHeaderOrder = append(h.PseudoHeaderOrder, ":scheme")
			case "p":
				h.PseudoHeaderOrder = append(h.PseudoHeaderOrder, ":path")
			default:
				return nil, fmt.Errorf("akamai: unknown pseudo-header identifier %q", ch)
			}
		}
	}

	return h, nil
}
