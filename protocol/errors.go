package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every *Error carries exactly one of these.
var (
	ErrResolution       = errors.New("resolution failed")
	ErrConnect          = errors.New("connect failed")
	ErrTLS              = errors.New("tls handshake failed")
	ErrProtocol         = errors.New("protocol error")
	ErrPoolExhausted    = errors.New("pool exhausted")
	ErrTimeout          = errors.New("request timeout")
	ErrBody             = errors.New("body error")
	ErrUnknownProfile   = errors.New("unknown profile")
	ErrDuplicateProfile = errors.New("duplicate profile")
)

// Reason refines a TLS failure.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCertificate
	ReasonVersion
	ReasonPeerClosed
	ReasonTimeout
	ReasonALPN
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonCertificate:
		return "certificate rejected"
	case ReasonVersion:
		return "protocol version mismatch"
	case ReasonPeerClosed:
		return "peer closed during handshake"
	case ReasonTimeout:
		return "handshake timeout"
	case ReasonALPN:
		return "alpn mismatch"
	case ReasonOther:
		return "handshake failure"
	default:
		return ""
	}
}

// Error is the categorised error returned by every layer.
type Error struct {
	Op       string // operation that failed, e.g. "dial", "socks5", "handshake"
	Host     string
	Category error
	Cause    error

	// StreamID is non-zero when an HTTP/2 failure is scoped to one stream.
	StreamID uint32

	// Reason is set for ErrTLS.
	Reason Reason

	// NotSent reports that the failure happened before any request byte
	// reached the connection.
	NotSent bool
}

// New returns an *Error of the given category.
func New(category error, op, host string, cause error) *Error {
	return &Error{Op: op, Host: host, Category: category, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Category.Error())
	if e.Reason != ReasonNone {
		b.WriteString(" (")
		b.WriteString(e.Reason.String())
		b.WriteString(")")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Host != "" {
		b.WriteString(" ")
		b.WriteString(e.Host)
	}
	if e.StreamID != 0 {
		fmt.Fprintf(&b, " stream %d", e.StreamID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the category and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Category}
	}
	return []error{e.Category, e.Cause}
}

// Category returns the category of err, or nil when err is not categorised.
func Category(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	for _, c := range []error{
		ErrResolution, ErrConnect, ErrTLS, ErrProtocol, ErrPoolExhausted,
		ErrTimeout, ErrBody, ErrUnknownProfile, ErrDuplicateProfile,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// Retryable reports whether err happened before any request byte was sent
// and may be retried on a fresh connection.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.NotSent && e.Category != ErrTLS && e.Category != ErrTimeout
}

// IsStreamError reports whether err is scoped to a single HTTP/2 stream.
func IsStreamError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StreamID != 0
}

// FromContext converts a context error into ErrTimeout, preserving the cause.
func FromContext(op, host string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return New(ErrTimeout, op, host, err)
	}
	return err
}

// Code maps an error to a stable code string.
func Code(err error) string {
	switch Category(err) {
	case ErrTimeout:
		return CodeTimeout
	case ErrConnect:
		return CodeConnectFailure
	case ErrResolution:
		return CodeDNSFailure
	case ErrTLS:
		return CodeTLSFailure
	case ErrProtocol:
		return CodeProtocol
	case ErrPoolExhausted:
		return CodePoolExhausted
	case ErrBody:
		return CodeBody
	case ErrUnknownProfile, ErrDuplicateProfile:
		return CodeProfile
	default:
		return CodeInternal
	}
}
