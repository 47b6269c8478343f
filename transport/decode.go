package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Decoder wraps an encoded body with a reader of the decoded bytes.
type Decoder func(r io.Reader) (io.ReadCloser, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		"gzip":    decodeGzip,
		"x-gzip":  decodeGzip,
		"br":      decodeBrotli,
		"deflate": decodeDeflate,
		"zstd":    decodeZstd,
	}
)

// RegisterDecoder installs or replaces the decoder for a content-coding.
func RegisterDecoder(coding string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[strings.ToLower(coding)] = d
}

func lookupDecoder(coding string) (Decoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	d, ok := decoders[coding]
	return d, ok
}

// Decode wraps body according to a Content-Encoding value. Codings are
// undone in reverse order of application; "identity" and empty values are
// skipped. Closing the result closes body.
func Decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	var r io.Reader = body
	var closers []io.Closer
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if coding == "" || coding == "identity" {
			continue
		}
		d, ok := lookupDecoder(coding)
		if !ok {
			return nil, fmt.Errorf("unsupported content-encoding %q", coding)
		}
		rc, err := d(r)
		if err != nil {
			return nil, fmt.Errorf("%s decoder: %w", coding, err)
		}
		closers = append(closers, rc)
		r = rc
	}
	if len(closers) == 0 {
		return body, nil
	}
	return &decodedBody{r: r, wire: body, closers: append(closers, body)}, nil
}

// maxDrain bounds what is read past the end of a compressed stream.
const maxDrain = 64 << 10

type decodedBody struct {
	r       io.Reader
	wire    io.Reader
	closers []io.Closer
	drained bool
}

// Read drains the wire body once the decoder reports EOF. Brotli and zstd
// stop at the end of their frame and leave the chunked terminator unread,
// which would otherwise cost the connection its keep-alive.
func (d *decodedBody) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err == io.EOF && !d.drained {
		d.drained = true
		_, _ = io.CopyN(io.Discard, d.wire, maxDrain)
	}
	return n, err
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decodeGzip(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func decodeBrotli(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(r)), nil
}

// decodeDeflate accepts both zlib-wrapped (RFC 1950, what the coding
// means) and raw deflate streams, which some servers send instead.
func decodeDeflate(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func decodeZstd(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}
