package client

import (
	"errors"
	"io"
	"iter"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sardanioss/wirecloak/protocol"
	"github.com/sardanioss/wirecloak/transport"
)

// ErrBodyConsumed is returned when a response body is read a second time.
var ErrBodyConsumed = errors.New("response body already consumed")

// Response is a response with a lazily streamed body. The body must be
// read to the end or closed to return the connection to the pool.
type Response struct {
	StatusCode int
	Status     string
	Proto      protocol.Version

	// Header is in received order. Content-Encoding and Content-Length
	// describe the wire body even when Decoded is true.
	Header protocol.Header

	// Body yields the decoded payload.
	Body    io.ReadCloser
	Decoded bool

	TLS       *transport.TLSState // nil for plaintext
	URL       *url.URL            // final URL after redirects
	Redirects []*RedirectInfo
	Reused    bool // served on a pooled connection

	raw      *releaseBody
	consumed atomic.Bool
	data     []byte
}

// Close closes the body.
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Bytes reads the whole body and closes it. Later calls return the same
// bytes.
func (r *Response) Bytes() ([]byte, error) {
	if !r.consumed.CompareAndSwap(false, true) {
		if r.data != nil {
			return r.data, nil
		}
		return nil, ErrBodyConsumed
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	r.data = data
	return data, nil
}

// Text returns the body as a string.
func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Chunks iterates over the body as it arrives and closes it at the end.
// A yielded slice is only valid until the next iteration. The body can be
// iterated once.
func (r *Response) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrBodyConsumed)
			return
		}
		defer r.Body.Close()
		buf := make([]byte, 32<<10)
		for {
			n, err := r.Body.Read(buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports a 3xx status.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// releaseBody returns the lease when the transport body ends, by EOF,
// error or Close.
type releaseBody struct {
	rc      io.ReadCloser
	once    sync.Once
	release func()
	cancel  func()
}

func (b *releaseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		b.done()
	}
	return n, err
}

func (b *releaseBody) Close() error {
	err := b.rc.Close()
	b.done()
	return err
}

func (b *releaseBody) done() {
	b.once.Do(func() {
		b.release()
		if b.cancel != nil {
			b.cancel()
		}
	})
}

// discard drains a little of an unwanted body so HTTP/1.1 connections
// can be reused, then closes it.
func discard(r *Response) {
	_, _ = io.CopyN(io.Discard, r.Body, 64<<10)
	_ = r.Body.Close()
}
