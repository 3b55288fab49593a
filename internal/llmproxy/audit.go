// Package llmproxy gives network-isolated sandbox runs controlled,
// billing-attributed access to one upstream LLM endpoint. The real upstream
// credential lives only in the proxy container; the sandbox never sees it.
package llmproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one record per upstream call forwarded through a run's
// proxy. Entries are append-only: the proxy writes them at request time and
// the billing reader consumes them after the run, never mutating.
type AuditEntry struct {
	BillingAccountID string    `json:"billing_account_id"`
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	CostUSD          float64   `json:"cost_usd"`
	DurationMs       int64     `json:"duration_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// AuditFileName returns the per-run audit log file name.
func AuditFileName(runID string) string {
	return "audit-" + runID + ".jsonl"
}

// AuditPath returns the host path of a run's audit log inside dir.
func AuditPath(dir, runID string) string {
	return filepath.Join(dir, AuditFileName(runID))
}

// AuditWriter appends entries to a JSONL audit log. Safe for concurrent use.
type AuditWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewAuditWriter opens (or creates) an append-only audit log at path.
func NewAuditWriter(path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one entry as a single JSON line.
func (w *AuditWriter) Append(e AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
