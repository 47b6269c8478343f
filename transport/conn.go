package transport

import (
	"context"
	"errors"
	"io"
	"fmt"
	"strconv"

	"github.com/sardanioss/net/http/httpguts"
	"github.com/sardanioss/wirecloak/protocol"
)

var (
	// ErrConnClosed is returned for requests on a connection that has
	// closed or is closing.
	ErrConnClosed = errors.New("connection closed")

	// ErrStreamLimit is returned when an HTTP/2 connection is at the peer's
	// concurrent stream limit.
	ErrStreamLimit = errors.New("concurrent stream limit reached")

	// ErrConnBusy is returned when an HTTP/1.1 connection is handed a
	// second request while one is outstanding.
	ErrConnBusy = errors.New("connection busy")

	// ErrInvalidHeader is returned for a request whose method, Host or
	// header fields could not be written without corrupting the framing.
	ErrInvalidHeader = errors.New("invalid request header")

	errBodyClosed = errors.New("response body closed")
)

// Request is one exchange as the connection layer sees it. Header is
// already merged and ordered.
type Request struct {
	Method    string
	Scheme    string
	Authority string // host[:port], sent as Host or :authority
	Path      string // path and query; "" means "/"
	Header    protocol.Header

	// Body is nil for requests without one.
	Body io.Reader
	// ContentLength is -1 when unknown.
	ContentLength int64
}

// Response is the head of a response with its streamed body.
type Response struct {
	StatusCode    int
	Status        string // reason phrase; HTTP/2 carries none
	Proto         protocol.Version
	Header        protocol.Header
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// Conn is an established client connection.
type Conn interface {
	ID() string
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
	Version() protocol.Version
	State() State
	TLS() *TLSState

	// Multiplexed reports whether the connection carries concurrent
	// requests; MaxStreams is the current limit when it does.
	Multiplexed() bool
	MaxStreams() int

	// Reusable reports whether the connection can take another request.
	Reusable() bool
	Close() error
}

func contentLength(h protocol.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ValidateRequest rejects CR, LF and other bytes that would let a header
// name or value start a new line on the wire.
func ValidateRequest(req *Request) error {
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return fmt.Errorf("%w: method %q", ErrInvalidHeader, req.Method)
	}
	if !httpguts.ValidHostHeader(req.Authority) {
		return fmt.Errorf("%w: host %q", ErrInvalidHeader, req.Authority)
	}
	for _, f := range req.Header {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("%w: field name %q", ErrInvalidHeader, f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("%w: value for %s", ErrInvalidHeader, f.Name)
		}
	}
	return nil
}

func invalidRequest(op, host string, err error) *protocol.Error {
	return &protocol.Error{Op: op, Host: host, Category: protocol.ErrProtocol, Cause: err, NotSent: true}
}

func notSent(op, host string, cause error) *protocol.Error {
	category := protocol.ErrConnect
	if errors.Is(cause, ErrStreamLimit) || errors.Is(cause, ErrConnBusy) {
		category = protocol.ErrPoolExhausted
	}
	return &protocol.Error{Op: op, Host: host, Category: category, Cause: cause, NotSent: true}
}
