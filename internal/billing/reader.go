// Package billing turns proxy audit logs into usage facts for the billing
// collaborator. Reads are strictly best-effort: a missing or damaged log
// means "no usage observed", never a failure that blocks the user-visible
// response.
package billing

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/jkaninda/ngome/internal/llmproxy"
)

// Reader reads per-run audit logs written by proxy containers.
type Reader struct {
	auditDir string
	logger   *slog.Logger
}

// NewReader creates a Reader over the host audit directory.
func NewReader(auditDir string, logger *slog.Logger) *Reader {
	return &Reader{auditDir: auditDir, logger: logger}
}

// ReadAuditEntries returns the audit entries for one run, performed after
// the run and its proxy terminated. The log never being written (proxy
// crashed, run had no proxy) yields an empty slice. Malformed lines are
// skipped, not fatal: the log may have been cut off mid-write.
func (r *Reader) ReadAuditEntries(runID string) []llmproxy.AuditEntry {
	path := llmproxy.AuditPath(r.auditDir, runID)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("audit log unreadable, reporting no usage",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	defer f.Close()

	var entries []llmproxy.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e llmproxy.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			r.logger.Warn("skipping malformed audit line",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("audit log scan stopped early",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
	return entries
}
