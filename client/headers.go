package client

import (
	"strings"

	"github.com/samber/lo"
	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/protocol"
)

// MergeHeaders lays user headers over the profile's defaults. Profile
// headers keep their position and casing; a user value for the same name
// replaces the default there. Remaining user headers follow in insertion
// order with their own casing. HTTP/2 names are lower-cased.
func MergeHeaders(p *fingerprint.Profile, user protocol.Header, v protocol.Version) protocol.Header {
	out := make(protocol.Header, 0, len(p.Headers)+len(user))
	for _, d := range p.Headers {
		values := user.Values(d.Name)
		if len(values) == 0 {
			value := d.Value
			if strings.EqualFold(d.Name, "User-Agent") && p.UserAgent != "" {
				value = p.UserAgent
			}
			out.Add(d.Name, value)
			continue
		}
		for _, value := range values {
			out.Add(d.Name, value)
		}
	}
	out = append(out, lo.Filter(user, func(f protocol.Field, _ int) bool {
		_, inProfile := p.Header(f.Name)
		return !inProfile
	})...)

	if v == protocol.HTTP2 {
		out = lo.Map(out, func(f protocol.Field, _ int) protocol.Field {
			return protocol.Field{Name: strings.ToLower(f.Name), Value: f.Value}
		})
	}
	return out
}
