// Package audit is the append-only JSONL decision trail: every guardrail
// verdict and every approval resolution gets one record, after redaction.
// It is a package-level singleton deliberately — every mediation point in
// the process (guardrail.Matcher callers, approval.Registry) writes to the
// same file without threading a handle through every call site.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskloom/taskloom/internal/shared"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Decision    string `json:"decision"`     // allow | require_approval | deny | approve | always
	Kind        string `json:"kind"`         // guardrail rule kind, or approval kind
	Subject     string `json:"subject,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ConvKey     string `json:"conversation_key,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens <dataDir>/logs/audit.jsonl, creating the directory if needed.
// Safe to call more than once; later calls after a successful Init are
// no-ops.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the underlying file. Safe to call when Init was never
// called.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of "deny" decisions recorded since startup,
// surfaced on the admin API's /status endpoint.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision entry. subject and reason are redacted before
// they ever reach disk.
func Record(decision, kind, subject, reason, conversationKey, actor string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	subject = shared.Redact(subject)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Kind:      kind,
		Subject:   subject,
		Reason:    reason,
		ConvKey:   conversationKey,
		Actor:     actor,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
