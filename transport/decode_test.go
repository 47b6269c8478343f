package transport

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var fixture = strings.Repeat("<html><body>wirecloak decode fixture</body></html>\n", 200)

func encodeWith(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case "zstd":
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("unknown coding %s", coding)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	tests := []struct {
		header string
		encode []string // applied in order
	}{
		{"gzip", []string{"gzip"}},
		{"br", []string{"br"}},
		{"zstd", []string{"zstd"}},
		{"deflate", []string{"deflate"}},
		{"deflate", []string{"raw-deflate"}},
		{"GZIP", []string{"gzip"}},
		{"gzip, br", []string{"gzip", "br"}},
		{"identity", nil},
		{"", nil},
	}
	for _, tt := range tests {
		data := []byte(fixture)
		for _, c := range tt.encode {
			data = encodeWith(t, c, data)
		}
		rc, err := Decode(io.NopCloser(bytes.NewReader(data)), tt.header)
		if err != nil {
			t.Errorf("%q: Decode failed: %v", tt.header, err)
			continue
		}
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Errorf("%q: read failed: %v", tt.header, err)
		}
		_ = rc.Close()
		if string(got) != fixture {
			t.Errorf("%q: expected fixture back, got %d bytes", tt.header, len(got))
		}
	}
}

func TestDecodeUnknownCoding(t *testing.T) {
	if _, err := Decode(io.NopCloser(strings.NewReader("x")), "compress"); err == nil {
		t.Error("expected error for unsupported coding")
	}
}

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestDecodeClosesBody(t *testing.T) {
	body := &closeCounter{Reader: bytes.NewReader(encodeWith(t, "gzip", []byte(fixture)))}
	rc, err := Decode(body, "gzip")
	if err != nil {
		t.Fatal(err)
	}
	_ = rc.Close()
	if body.closed != 1 {
		t.Errorf("expected body closed once, got %d", body.closed)
	}
}

func TestDecodeDrainsWireAfterStreamEnd(t *testing.T) {
	for _, coding := range []string{"br", "zstd"} {
		t.Run(coding, func(t *testing.T) {
			wire := bytes.NewReader(append(encodeWith(t, coding, []byte(fixture)), "trailing"...))
			rc, err := Decode(io.NopCloser(wire), coding)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(rc)
			if err != nil || string(got) != fixture {
				t.Fatalf("expected fixture back, got %d bytes (%v)", len(got), err)
			}
			if wire.Len() != 0 {
				t.Errorf("expected wire body drained at decoder EOF, %d bytes left", wire.Len())
			}
		})
	}
}

func TestRegisterDecoder(t *testing.T) {
	RegisterDecoder("X-Upper", func(r io.Reader) (io.ReadCloser, error) {
		data, err := io.ReadAll(r)
		return io.NopCloser(strings.NewReader(strings.ToUpper(string(data)))), err
	})
	rc, err := Decode(io.NopCloser(strings.NewReader("abc")), "x-upper")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "ABC" {
		t.Errorf("expected ABC, got %q", got)
	}
}
