// Package keylog writes TLS secrets in the NSS key log format so captures
// can be decrypted in Wireshark. The SSLKEYLOGFILE environment variable is
// honoured on first use.
package keylog

import (
	"io"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// EnvVar names the file key material is appended to.
const EnvVar = "SSLKEYLOGFILE"

var (
	mu     sync.Mutex
	once   sync.Once
	writer io.Writer
	owned  io.Closer // set when the package opened the file itself
)

func loadEnv() {
	once.Do(func() {
		path := os.Getenv(EnvVar)
		if path == "" {
			return
		}
		f, err := openFile(path)
		if err != nil {
			klog.Warningf("keylog: cannot open %s=%s: %v", EnvVar, path, err)
			return
		}
		writer, owned = f, f
	})
}

func openFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
}

// Writer returns the process-wide key log writer, or nil when key logging
// is off.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	loadEnv()
	return writer
}

// SetKeyLogFile redirects key logging to path, replacing SSLKEYLOGFILE.
// An empty path disables logging.
func SetKeyLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	loadEnv()
	closeOwnedLocked()
	if path == "" {
		return nil
	}
	f, err := openFile(path)
	if err != nil {
		return err
	}
	writer, owned = f, f
	return nil
}

// SetKeyLogWriter installs w; nil disables logging. The package never
// closes a writer it did not open.
func SetKeyLogWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	loadEnv()
	closeOwnedLocked()
	writer = w
}

// Close releases a file opened by the package and disables logging.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	loadEnv()
	return closeOwnedLocked()
}

func closeOwnedLocked() error {
	var err error
	if owned != nil {
		err = owned.Close()
	}
	writer, owned = nil, nil
	return err
}
