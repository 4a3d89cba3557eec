package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x42
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteImage writes a placeholder image whose bytes are unique to name.
func WriteImage(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	writeText(t, path, "image:"+name)
	return path
}

// WriteMedia writes a placeholder media file that FakeFFmpeg and StubProbe
// understand as lasting durationSec seconds.
func WriteMedia(t testing.TB, path string, durationSec float64, extra ...string) string {
	t.Helper()
	body := fmt.Sprintf("duration=%.3f\n", durationSec)
	for _, line := range extra {
		body += line + "\n"
	}
	writeText(t, path, body)
	return path
}

func writeText(t testing.TB, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
