//go:build e2e

package wirecloak

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sardanioss/wirecloak/client"
	"github.com/sardanioss/wirecloak/fingerprint"
)

// peetResponse is the subset of tls.peet.ws/api/all used here.
type peetResponse struct {
	TLS struct {
		JA3 string `json:"ja3"`
	} `json:"tls"`
	HTTP2 struct {
		AkamaiFingerprint string `json:"akamai_fingerprint"`
	} `json:"http2"`
	HTTPVersion string `json:"http_version"`
}

// stripGREASE removes GREASE values from every list field of a JA3 string.
func stripGREASE(ja3 string) string {
	parts := strings.Split(ja3, ",")
	for i := 1; i < len(parts) && i < 4; i++ {
		var kept []string
		for _, v := range strings.Split(parts[i], "-") {
			var n uint16
			for _, c := range v {
				n = n*10 + uint16(c-'0')
			}
			if !fingerprint.IsGREASE(n) {
				kept = append(kept, v)
			}
		}
		parts[i] = strings.Join(kept, "-")
	}
	return strings.Join(parts, ",")
}

func observe(t *testing.T, c *client.Client, profile string) peetResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := c.Do(ctx, &client.Request{URL: "https://tls.peet.ws/api/all", Profile: profile})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, err := resp.Bytes()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out peetResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v\nbody: %.500s", err, body)
	}
	return out
}

// Run with: go test -tags e2e -run E2E -v -count=1
func TestBuiltinProfilesE2E(t *testing.T) {
	c, err := New(client.WithPermuteExtensions(false))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, name := range []string{"chrome-143", "firefox-133", "safari-18"} {
		t.Run(name, func(t *testing.T) {
			p, _ := fingerprint.Lookup(name)
			got := observe(t, c, name)
			if stripGREASE(got.TLS.JA3) != p.TLS.JA3() {
				t.Errorf("JA3 mismatch:\n  profile:  %s\n  observed: %s", p.TLS.JA3(), stripGREASE(got.TLS.JA3))
			}
			if got.HTTPVersion != "h2" {
				t.Errorf("expected h2, got %s", got.HTTPVersion)
			}
			if got.HTTP2.AkamaiFingerprint != p.HTTP2.Akamai() {
				t.Errorf("Akamai mismatch:\n  profile:  %s\n  observed: %s", p.HTTP2.Akamai(), got.HTTP2.AkamaiFingerprint)
			}
		})
	}
}

func TestCustomProfileE2E(t *testing.T) {
	akamai := "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p"
	p, err := CustomProfile("custom-e2e", "chrome-143", testJA3, akamai)
	if err != nil {
		t.Fatal(err)
	}
	reg := fingerprint.NewRegistry()
	if err := reg.Register(p); err != nil {
		t.Fatal(err)
	}
	var seen [2]peetResponse
	for i := range seen {
		c, err := New(client.WithRegistry(reg), client.WithProfile("custom-e2e"))
		if err != nil {
			t.Fatal(err)
		}
		seen[i] = observe(t, c, "")
		c.Close()
	}
	first, second := seen[0], seen[1]
	if stripGREASE(first.TLS.JA3) != stripGREASE(second.TLS.JA3) {
		t.Errorf("JA3 differs between clients:\n  %s\n  %s", first.TLS.JA3, second.TLS.JA3)
	}
	if first.HTTP2.AkamaiFingerprint != akamai {
		t.Errorf("expected Akamai %s, got %s", akamai, first.HTTP2.AkamaiFingerprint)
	}
}
