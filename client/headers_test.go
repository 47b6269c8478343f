package client

import (
	"strings"
	"testing"

	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/protocol"
)

func testProfile() *fingerprint.Profile {
	return &fingerprint.Profile{
		Name:      "test",
		UserAgent: "TestAgent/1.0",
		Headers: []fingerprint.HeaderField{
			{Name: "User-Agent", Value: "placeholder"},
			{Name: "Accept", Value: "*/*"},
			{Name: "Accept-Language", Value: "en-US"},
			{Name: "Accept-Encoding", Value: "gzip"},
		},
	}
}

func render(h protocol.Header) string {
	lines := make([]string, len(h))
	for i, f := range h {
		lines[i] = f.Name + ": " + f.Value
	}
	return strings.Join(lines, "|")
}

func TestMergeHeaders(t *testing.T) {
	tests := []struct {
		name    string
		user    protocol.Header
		version protocol.Version
		want    string
	}{
		{
			name:    "defaults only",
			version: protocol.HTTP11,
			want:    "User-Agent: TestAgent/1.0|Accept: */*|Accept-Language: en-US|Accept-Encoding: gzip",
		},
		{
			name: "user value keeps profile position and casing",
			user: protocol.Header{
				{Name: "X-Trace", Value: "1"},
				{Name: "accept-language", Value: "de"},
			},
			version: protocol.HTTP11,
			want:    "User-Agent: TestAgent/1.0|Accept: */*|Accept-Language: de|Accept-Encoding: gzip|X-Trace: 1",
		},
		{
			name: "extra headers keep insertion order and duplicates",
			user: protocol.Header{
				{Name: "X-B", Value: "2"},
				{Name: "x-a", Value: "1"},
				{Name: "X-B", Value: "3"},
			},
			version: protocol.HTTP11,
			want:    "User-Agent: TestAgent/1.0|Accept: */*|Accept-Language: en-US|Accept-Encoding: gzip|X-B: 2|x-a: 1|X-B: 3",
		},
		{
			name: "repeated profile header stays in place",
			user: protocol.Header{
				{Name: "Accept", Value: "text/html"},
				{Name: "Accept", Value: "application/json"},
			},
			version: protocol.HTTP11,
			want:    "User-Agent: TestAgent/1.0|Accept: text/html|Accept: application/json|Accept-Language: en-US|Accept-Encoding: gzip",
		},
		{
			name: "user agent override",
			user: protocol.Header{
				{Name: "user-agent", Value: "Custom"},
			},
			version: protocol.HTTP11,
			want:    "User-Agent: Custom|Accept: */*|Accept-Language: en-US|Accept-Encoding: gzip",
		},
		{
			name: "http2 lower-cases names",
			user: protocol.Header{
				{Name: "X-Trace", Value: "1"},
			},
			version: protocol.HTTP2,
			want:    "user-agent: TestAgent/1.0|accept: */*|accept-language: en-US|accept-encoding: gzip|x-trace: 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := render(MergeHeaders(testProfile(), tt.user, tt.version))
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMergeHeadersLeavesInputsAlone(t *testing.T) {
	p := testProfile()
	user := protocol.Header{{Name: "Accept", Value: "x"}}
	_ = MergeHeaders(p, user, protocol.HTTP2)

	if p.Headers[1].Name != "Accept" || p.Headers[1].Value != "*/*" {
		t.Errorf("expected profile untouched, got %+v", p.Headers[1])
	}
	if user[0].Name != "Accept" {
		t.Errorf("expected user header casing untouched, got %q", user[0].Name)
	}
}

func TestMergeHeadersBuiltinProfileOrder(t *testing.T) {
	p, err := fingerprint.Lookup("firefox-133")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	h := MergeHeaders(p, protocol.Header{{Name: "Cookie", Value: "a=1"}}, protocol.HTTP11)
	if h[0].Name != "User-Agent" || h[0].Value != p.UserAgent {
		t.Errorf("expected User-Agent first with profile value, got %+v", h[0])
	}
	last := h[len(h)-1]
	if last.Name != "Cookie" {
		t.Errorf("expected Cookie appended last, got %+v", last)
	}
}
