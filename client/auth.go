package client

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Auth produces the Authorization header of a request.
type Auth interface {
	// Authorization returns the header value for method and the request
	// URI, or "" to send none.
	Authorization(method, uri string) (string, error)
}

// Challenger is implemented by schemes that answer a 401. Challenge
// returns true when the request should be sent once more with fresh
// credentials.
type Challenger interface {
	Challenge(wwwAuthenticate []string) (bool, error)
}

// BasicAuth implements HTTP Basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) Authorization(_, _ string) (string, error) {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.Username+":"+a.Password)), nil
}

// BearerAuth sends a bearer token.
type BearerAuth struct {
	Token string
}

func (a *BearerAuth) Authorization(_, _ string) (string, error) {
	return "Bearer " + a.Token, nil
}

// DigestAuth implements RFC 7616 Digest authentication with MD5. It sends
// nothing until the server's first challenge.
type DigestAuth struct {
	Username string
	Password string

	mu        sync.Mutex
	realm     string
	nonce     string
	qop       string
	opaque    string
	algorithm string
	nc        int
}

// Challenge picks up the first Digest challenge.
func (a *DigestAuth) Challenge(values []string) (bool, error) {
	for _, v := range values {
		scheme, params, _ := strings.Cut(strings.TrimSpace(v), " ")
		if !strings.EqualFold(scheme, "digest") {
			continue
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.realm, a.nonce, a.qop, a.opaque, a.algorithm = "", "", "", "", ""
		for _, part := range strings.Split(params, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			val = strings.Trim(strings.TrimSpace(val), `"`)
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "realm":
				a.realm = val
			case "nonce":
				a.nonce = val
			case "qop":
				// "auth" is preferred when several are offered.
				for _, q := range strings.Split(val, ",") {
					if q = strings.TrimSpace(q); q == "auth" || a.qop == "" {
						a.qop = q
					}
				}
			case "opaque":
				a.opaque = val
			case "algorithm":
				a.algorithm = val
			}
		}
		if a.nonce == "" {
			return false, fmt.Errorf("digest auth: challenge without nonce")
		}
		a.nc = 0
		return true, nil
	}
	return false, nil
}

func (a *DigestAuth) Authorization(method, uri string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == "" {
		return "", nil
	}
	a.nc++
	nc := fmt.Sprintf("%08x", a.nc)
	cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	ha1 := md5Hex(a.Username + ":" + a.realm + ":" + a.Password)
	ha2 := md5Hex(method + ":" + uri)
	var response string
	if a.qop != "" {
		response = md5Hex(strings.Join([]string{ha1, a.nonce, nc, cnonce, a.qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + a.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		a.Username, a.realm, a.nonce, uri, response)
	if a.qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, a.qop, nc, cnonce)
	}
	if a.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, a.opaque)
	}
	if a.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, a.algorithm)
	}
	return b.String(), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
