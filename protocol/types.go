// Package protocol holds the small vocabulary shared by every layer of the
// client: negotiated protocol versions, request timing and the categorised
// error type used from DNS resolution up to the dispatcher.
package protocol

import "time"

// Version is the HTTP version negotiated on a connection.
type Version int

const (
	VersionUnknown Version = iota
	HTTP11
	HTTP2
)

// String returns the version as it appears on an HTTP/1.1 status line.
func (v Version) String() string {
	switch v {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	default:
		return "unknown"
	}
}

// ALPN returns the ALPN protocol identifier for the version.
func (v Version) ALPN() string {
	switch v {
	case HTTP11:
		return "http/1.1"
	case HTTP2:
		return "h2"
	default:
		return ""
	}
}

// VersionFromALPN maps a negotiated ALPN value to a Version. An empty value
// means the server did not negotiate ALPN, which implies HTTP/1.1.
func VersionFromALPN(alpn string) Version {
	switch alpn {
	case "h2":
		return HTTP2
	case "http/1.1", "":
		return HTTP11
	default:
		return VersionUnknown
	}
}

// Timing contains per-request phase durations. Phases skipped because a
// pooled connection was reused are zero.
type Timing struct {
	DNSLookup    time.Duration
	TCPConnect   time.Duration
	ProxyTunnel  time.Duration
	TLSHandshake time.Duration
	FirstByte    time.Duration
	Total        time.Duration
}

// Error codes reported by the CLI.
const (
	CodeTimeout        = "TIMEOUT"
	CodeConnectFailure = "CONNECT_FAILURE"
	CodeDNSFailure     = "DNS_FAILURE"
	CodeTLSFailure     = "TLS_FAILURE"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodePoolExhausted  = "POOL_EXHAUSTED"
	CodeBody           = "BODY_ERROR"
	CodeProfile        = "PROFILE_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)
