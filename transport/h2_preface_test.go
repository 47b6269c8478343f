package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/sardanioss/wirecloak/fingerprint"
)

func mustProfile(t *testing.T, name string) *fingerprint.Profile {
	t.Helper()
	p, err := fingerprint.Lookup(name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return p
}

// frame assembles one HTTP/2 frame by hand.
func frame(typ, flags byte, stream uint32, payload []byte) []byte {
	b := []byte{byte(len(payload) >> 16), byte(len(payload) >> 8), byte(len(payload)), typ, flags}
	b = binary.BigEndian.AppendUint32(b, stream)
	return append(b, payload...)
}

func TestWritePrefaceChromeBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePreface(&buf, mustProfile(t, "chrome-143").HTTP2); err != nil {
		t.Fatalf("WritePreface failed: %v", err)
	}
	want := "505249202a20485454502f322e300d0a0d0a534d0d0a0d0a" + // PRI * HTTP/2.0
		"000018040000000000" + // SETTINGS, 24 bytes, stream 0
		"000100010000" + // HEADER_TABLE_SIZE 65536
		"000200000000" + // ENABLE_PUSH 0
		"000400600000" + // INITIAL_WINDOW_SIZE 6291456
		"000600040000" + // MAX_HEADER_LIST_SIZE 262144
		"000004080000000000" + "00ef0001" // WINDOW_UPDATE 15663105
	if got := hex.EncodeToString(buf.Bytes()); got != want {
		t.Errorf("preface mismatch\nexpected %s\ngot      %s", want, got)
	}
}

func TestWritePrefaceMobileBytes(t *testing.T) {
	tests := []struct {
		profile string
		want    string
	}{
		{
			// Cronet's 15728640-byte connection window is announced as an increment
			// over the initial 65535.
			"cronet-131",
			"505249202a20485454502f322e300d0a0d0a534d0d0a0d0a" +
				"000018040000000000" +
				"000100010000" + "000200000000" + "000400600000" + "000600040000" +
				"000004080000000000" + "00ef0001",
		},
		{
			"okhttp-4",
			"505249202a20485454502f322e300d0a0d0a534d0d0a0d0a" +
				"000006040000000000" +
				"000401000000" + // INITIAL_WINDOW_SIZE 16777216
				"000004080000000000" + "00ff0001", // WINDOW_UPDATE 16711681
		},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WritePreface(&buf, mustProfile(t, tt.profile).HTTP2); err != nil {
				t.Fatalf("WritePreface failed: %v", err)
			}
			if got := hex.EncodeToString(buf.Bytes()); got != tt.want {
				t.Errorf("preface mismatch\nexpected %s\ngot      %s", tt.want, got)
			}
		})
	}
}

func TestWritePrefaceFirefoxPriorityTree(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePreface(&buf, mustProfile(t, "firefox-117").HTTP2); err != nil {
		t.Fatalf("WritePreface failed: %v", err)
	}

	var want []byte
	want = append(want, "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"...)
	want = append(want, frame(0x4, 0, 0, []byte{
		0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
		0x00, 0x04, 0x00, 0x02, 0x00, 0x00,
		0x00, 0x05, 0x00, 0x00, 0x40, 0x00,
	})...)
	want = append(want, frame(0x8, 0, 0, []byte{0x00, 0xbf, 0x00, 0x01})...)
	prio := func(stream, dep uint32, weight byte) []byte {
		p := binary.BigEndian.AppendUint32(nil, dep)
		return frame(0x2, 0, stream, append(p, weight))
	}
	want = append(want, prio(3, 0, 200)...)
	want = append(want, prio(5, 0, 100)...)
	want = append(want, prio(7, 0, 0)...)
	want = append(want, prio(9, 7, 0)...)
	want = append(want, prio(11, 3, 0)...)
	want = append(want, prio(13, 0, 240)...)

	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("preface mismatch\nexpected %x\ngot      %x", want, buf.Bytes())
	}
}

func TestWritePrefaceStableAcrossConnections(t *testing.T) {
	for _, name := range fingerprint.Names() {
		p := mustProfile(t, name)
		if p.HTTP2 == nil {
			continue
		}
		var a, b bytes.Buffer
		if err := WritePreface(&a, p.HTTP2); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := WritePreface(&b, p.HTTP2); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Errorf("%s: preface differs between connections", name)
		}
	}
}
