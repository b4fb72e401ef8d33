package crash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"notedown/internal/config"
)

func TestWriteReportCreatesFileInTemp(t *testing.T) {
	path, err := writeReport("", "boom", []byte("stacktrace"))
	if err != nil {
		t.Fatalf("writeReport error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("report file missing: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "Notedown Crash Report") {
		t.Fatalf("report header missing")
	}
	if !strings.Contains(s, "Panic: boom") {
		t.Fatalf("panic content missing: %s", s)
	}
}

func TestWriteReportCreatesFileInCrashesDir(t *testing.T) {
	dataDir := t.TempDir()

	path, err := writeReport(dataDir, "kaboom", []byte("stack"))
	if err != nil {
		t.Fatalf("writeReport error: %v", err)
	}
	if !strings.Contains(path, config.CrashesDir(dataDir)) {
		t.Fatalf("expected crash report under crashes dir, got %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("report file missing: %v", err)
	}
	if !strings.Contains(string(mustRead(t, path)), "DataDir: "+dataDir) {
		t.Fatalf("report does not name the data dir")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func TestWriteReportPathShape(t *testing.T) {
	path, err := writeReport("", "x", nil)
	if err != nil {
		t.Fatalf("writeReport error: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "crash-") || !strings.HasSuffix(base, ".log") {
		t.Fatalf("unexpected report name %s", base)
	}
}
