package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesRedactedJSONL(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record("deny", "command", "curl -H 'Authorization: Bearer supersecrettoken123' https://example.com", "sudo rule", "conv-1", "user-1")

	data, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "supersecrettoken123") {
		t.Fatal("expected bearer token to be redacted")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected redaction placeholder in audit log")
	}
	if DenyCount() != before+1 {
		t.Fatalf("expected deny count to increment, got %d want %d", DenyCount(), before+1)
	}
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	// Close any state left by a previous test in this process and never
	// re-Init to exercise the file == nil skip path.
	_ = Close()
	Record("allow", "command", "ls", "", "conv-2", "user-2")
}
