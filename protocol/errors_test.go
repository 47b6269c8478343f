package protocol

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestErrorIsCategoryAndCause(t *testing.T) {
	err := New(ErrConnect, "dial", "example.com:443", io.EOF)

	if !errors.Is(err, ErrConnect) {
		t.Error("expected errors.Is(err, ErrConnect)")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected errors.Is(err, io.EOF)")
	}
	if errors.Is(err, ErrTLS) {
		t.Error("did not expect errors.Is(err, ErrTLS)")
	}
	if got := Category(err); got != ErrConnect {
		t.Errorf("expected category ErrConnect, got %v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(ErrResolution, "resolve", "example.com", errors.New("no such host")),
			want: "resolution failed: resolve example.com: no such host",
		},
		{
			name: "tls reason",
			err:  &Error{Category: ErrTLS, Reason: ReasonALPN, Op: "handshake", Host: "a.test"},
			want: "tls handshake failed (alpn mismatch): handshake a.test",
		},
		{
			name: "stream scoped",
			err:  &Error{Category: ErrProtocol, Op: "h2", StreamID: 5},
			want: "protocol error: h2 stream 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not sent connect", &Error{Category: ErrConnect, NotSent: true}, true},
		{"not sent protocol", &Error{Category: ErrProtocol, NotSent: true}, true},
		{"sent", &Error{Category: ErrProtocol}, false},
		{"tls never retried", &Error{Category: ErrTLS, NotSent: true}, false},
		{"plain error", io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFromContextAndCode(t *testing.T) {
	err := FromContext("request", "h", context.DeadlineExceeded)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if Code(err) != CodeTimeout {
		t.Errorf("expected %s, got %s", CodeTimeout, Code(err))
	}
	if Code(io.EOF) != CodeInternal {
		t.Errorf("expected %s for uncategorised error", CodeInternal)
	}
	if Code(ErrUnknownProfile) != CodeProfile {
		t.Errorf("expected %s for bare sentinel", CodeProfile)
	}
}

func TestVersionFromALPN(t *testing.T) {
	tests := map[string]Version{
		"h2":       HTTP2,
		"http/1.1": HTTP11,
		"":         HTTP11,
		"h3":       VersionUnknown,
	}
	for alpn, want := range tests {
		if got := VersionFromALPN(alpn); got != want {
			t.Errorf("VersionFromALPN(%q): expected %v, got %v", alpn, want, got)
		}
	}
}
