package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// VerifyResult is the outcome of walking an audit file. Valid covers the
// hash chain and entry types; Warnings flag lines that chain correctly
// but deserve an operator's attention.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`

	Actions        int             `json:"actions"`
	SecurityEvents int             `json:"security_events"`
	Policies       []PolicySpan    `json:"policies,omitempty"`
	Warnings       []VerifyWarning `json:"warnings,omitempty"`
}

// PolicySpan is a run of consecutive entries written under one policy.
// More than one span means the policy changed mid-file.
type PolicySpan struct {
	Hash      string `json:"hash"`
	FirstLine int    `json:"first_line"`
	LastLine  int    `json:"last_line"`
}

// VerifyWarning points at a suspicious line.
type VerifyWarning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// PolicyChanged reports whether entries were written under more than one
// policy.
func (r VerifyResult) PolicyChanged() bool { return len(r.Policies) > 1 }

// Verify walks a JSONL audit file. Each file is its own chain starting at
// the genesis hash, so a rotated segment verifies independently.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	w := walker{prevHash: GenesisHash}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if msg := w.step(scanner.Bytes()); msg != "" {
			w.res.Error = msg
			w.res.ErrorLine = w.res.Lines
			return w.res
		}
	}
	if err := scanner.Err(); err != nil {
		w.res.Error = fmt.Sprintf("scan: %v", err)
		return w.res
	}
	w.res.Valid = true
	return w.res
}

// walker carries chain state between lines.
type walker struct {
	res      VerifyResult
	prevHash string
	lastTime time.Time
}

// step checks one line and returns a non-empty message if the chain breaks.
func (w *walker) step(line []byte) string {
	w.res.Lines++
	n := w.res.Lines

	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return fmt.Sprintf("parse error: %v", err)
	}
	if e.PrevHash != w.prevHash {
		if n == 1 {
			return fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
		}
		return fmt.Sprintf("hash mismatch: expected %s, got %s", w.prevHash, e.PrevHash)
	}
	w.prevHash = HashLine(line)

	switch e.Type {
	case TypeAction:
		w.res.Actions++
	case TypeSecurityEvent:
		w.res.SecurityEvents++
	default:
		return fmt.Sprintf("unknown entry type %q", e.Type)
	}

	w.checkTime(n, e)
	w.trackPolicy(n, e.PolicyHash)
	return ""
}

func (w *walker) checkTime(n int, e Entry) {
	ts := e.Time()
	if ts.IsZero() {
		w.warn(n, fmt.Sprintf("unparseable timestamp %q", e.Timestamp))
		return
	}
	if ts.Before(w.lastTime) {
		w.warn(n, fmt.Sprintf("timestamp %s is earlier than the previous entry (%s)",
			e.Timestamp, w.lastTime.Format(TimestampFormat)))
	}
	w.lastTime = ts
}

func (w *walker) trackPolicy(n int, hash string) {
	if hash == "" {
		return
	}
	spans := w.res.Policies
	if len(spans) > 0 && spans[len(spans)-1].Hash == hash {
		spans[len(spans)-1].LastLine = n
		return
	}
	if len(spans) > 0 {
		w.warn(n, fmt.Sprintf("policy changed from %s to %s", spans[len(spans)-1].Hash, hash))
	}
	w.res.Policies = append(spans, PolicySpan{Hash: hash, FirstLine: n, LastLine: n})
}

func (w *walker) warn(n int, msg string) {
	w.res.Warnings = append(w.res.Warnings, VerifyWarning{Line: n, Message: msg})
}
