package keylog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSetKeyLogWriter(t *testing.T) {
	defer SetKeyLogWriter(nil)

	var buf bytes.Buffer
	SetKeyLogWriter(&buf)
	if Writer() != &buf {
		t.Fatal("expected custom writer to be returned")
	}
	SetKeyLogWriter(nil)
	if Writer() != nil {
		t.Error("expected nil writer after disabling")
	}
}

func TestSetKeyLogFile(t *testing.T) {
	defer SetKeyLogWriter(nil)

	path := filepath.Join(t.TempDir(), "keys.log")
	if err := SetKeyLogFile(path); err != nil {
		t.Fatalf("SetKeyLogFile failed: %v", err)
	}
	if _, err := Writer().Write([]byte("CLIENT_RANDOM 00 11\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "CLIENT_RANDOM 00 11\n" {
		t.Errorf("expected key line in file, got %q", data)
	}
	if Writer() != nil {
		t.Error("expected logging disabled after Close")
	}
}
