package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEntry(outcome string) Entry {
	return Entry{
		Timestamp:  time.Now().UTC().Format(TimestampFormat),
		Type:       TypeAction,
		Action:     "take_screenshot",
		Agent:      "planner",
		Trigger:    "cli",
		Args:       map[string]any{"region": "full"},
		Risk:       0,
		Outcome:    outcome,
		Reason:     "test reason",
		PolicyHash: "sha256:abc123",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

type failingSink struct{}

func (failingSink) Write(p []byte) (int, error) { return 0, errors.New("disk gone") }
func (failingSink) Sync() error                 { return nil }
func (failingSink) Close() error                { return nil }
func (failingSink) Stat() (os.FileInfo, error)  { return nil, errors.New("disk gone") }

func breakSink(l *Log) {
	l.file = failingSink{}
	l.open = func(string) (sink, string, error) { return nil, "", errors.New("unavailable") }
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		l.Append(testEntry("success"))
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	l, path := newTestLog(t, WithPolicyHash("sha256:policy"), WithClock(func() time.Time { return fixed }))

	l.Append(Entry{Action: "get_status", Outcome: "success"})
	l.Close()

	var e Entry
	if err := json.Unmarshal([]byte(readLines(t, path)[0]), &e); err != nil {
		t.Fatal(err)
	}
	if e.Timestamp != "2026-03-01T08:30:00.000Z" {
		t.Errorf("unexpected timestamp %s", e.Timestamp)
	}
	if e.Type != TypeAction {
		t.Errorf("expected type action, got %s", e.Type)
	}
	if e.PolicyHash != "sha256:policy" {
		t.Errorf("expected policy hash stamped, got %s", e.PolicyHash)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		l.Append(testEntry("success"))
	}
	l.Close()

	// Tamper: change outcome in line 2
	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], `"success"`, `"guard_violation"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		l.Append(testEntry("success"))
	}
	l.Close()

	lines := readLines(t, path)
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		l.Append(testEntry("success"))
	}
	l.Close()

	lines := readLines(t, path)
	fake := testEntry("success")
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestVerifyReportsContents(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(testEntry("success"))
	l.Append(testEntry("rate_limit_exceeded"))
	reloaded := testEntry("success")
	reloaded.PolicyHash = "sha256:def456"
	l.Append(reloaded)
	l.RecordSecurityEvent("killswitch_paused", SeverityWarning, "paused", nil)
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Actions != 3 || result.SecurityEvents != 1 {
		t.Errorf("counts: actions=%d security_events=%d", result.Actions, result.SecurityEvents)
	}
	if !result.PolicyChanged() {
		t.Fatalf("expected policy change to be reported, got %+v", result.Policies)
	}
	if got := result.Policies[1]; got.Hash != "sha256:def456" || got.FirstLine != 3 {
		t.Errorf("unexpected second policy span %+v", got)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Line != 3 {
		t.Errorf("expected one warning at line 3, got %+v", result.Warnings)
	}
}

func TestVerifyWarnsOnBackwardsTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, path := newTestLog(t, WithClock(func() time.Time {
		now = now.Add(-time.Minute)
		return now
	}))
	l.Append(Entry{Action: "get_status", Outcome: "success"})
	l.Append(Entry{Action: "get_status", Outcome: "success"})
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("clock skew must not break the chain: %s", result.Error)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Line != 2 {
		t.Fatalf("expected a timestamp warning on line 2, got %+v", result.Warnings)
	}
}

func TestVerifyRejectsUnknownEntryType(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(Entry{Type: "note", Action: "get_status"})
	l.Close()

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected unknown entry type to fail verification")
	}
	if result.ErrorLine != 1 {
		t.Fatalf("expected error at line 1, got line %d", result.ErrorLine)
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 {
		t.Fatalf("expected 0 lines, got %d", result.Lines)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(testEntry("success"))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestGenesisHashIsCorrect(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(testEntry("success"))
	l.Close()

	var entry Entry
	json.Unmarshal([]byte(readLines(t, path)[0]), &entry)

	if entry.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, entry.PrevHash)
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"ts":"2026-01-15T10:30:00.000Z","type":"action","action":"get_status","risk":0,"outcome":"success","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	h2 := HashLine(line)
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s and %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %s", h1)
	}
	if len(h1) != 7+64 {
		t.Fatalf("expected 71 char hash string, got %d", len(h1))
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(testEntry("success"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Append(testEntry("validation_error"))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestUnavailableSinkBuffersThenDrainsInOrder(t *testing.T) {
	l, path := newTestLog(t, WithRetry(2, 0))
	breakSink(l)

	for _, outcome := range []string{"a", "b", "c"} {
		l.Append(testEntry(outcome))
	}
	if got := l.Buffered(); got != 3 {
		t.Fatalf("expected 3 buffered entries, got %d", got)
	}
	if len(readLines(t, path)) != 0 {
		t.Fatal("expected nothing written while sink is unavailable")
	}

	l.open = openFile
	l.Append(testEntry("d"))
	if got := l.Buffered(); got != 0 {
		t.Fatalf("expected buffer drained, got %d", got)
	}
	l.Close()

	lines := readLines(t, path)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		var e Entry
		json.Unmarshal([]byte(lines[i]), &e)
		if e.Outcome != want {
			t.Errorf("line %d: expected outcome %s, got %s", i+1, want, e.Outcome)
		}
	}
	if result := Verify(path); !result.Valid {
		t.Fatalf("expected valid chain after drain: %s", result.Error)
	}
}

func TestBufferOverflowGoesToFallbackLog(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	l, _ := newTestLog(t, WithRetry(1, 0), WithBufferSize(2), WithLogger(zap.New(core)))
	breakSink(l)

	for i := 0; i < 5; i++ {
		l.Append(testEntry("success"))
	}
	if got := l.Buffered(); got != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", got)
	}
	if got := logs.FilterMessageSnippet("audit buffer full").Len(); got != 3 {
		t.Fatalf("expected 3 fallback records, got %d", got)
	}
}

func TestAppendDoesNotBlockIndefinitely(t *testing.T) {
	l, _ := newTestLog(t, WithRetry(3, 10*time.Millisecond))
	breakSink(l)

	start := time.Now()
	l.Append(testEntry("success"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("append took %s with an unavailable sink", elapsed)
	}
}

func TestRotationStartsNewChain(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(testEntry("success"))
	l.Append(testEntry("success"))

	rotated := path + ".1"
	if err := os.Rename(path, rotated); err != nil {
		t.Fatal(err)
	}
	l.Append(testEntry("success"))
	l.Close()

	if r := Verify(rotated); !r.Valid || r.Lines != 2 {
		t.Fatalf("rotated segment: valid=%t lines=%d err=%s", r.Valid, r.Lines, r.Error)
	}
	if r := Verify(path); !r.Valid || r.Lines != 1 {
		t.Fatalf("new segment: valid=%t lines=%d err=%s", r.Valid, r.Lines, r.Error)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	l, path := newTestLog(t)
	l.RecordSecurityEvent("guard_violation", SeverityHigh, "keyword matched", map[string]string{"rule": "keyword:invoice"})
	l.Close()

	var e Entry
	json.Unmarshal([]byte(readLines(t, path)[0]), &e)
	if e.Type != TypeSecurityEvent || e.Event != "guard_violation" || e.Severity != SeverityHigh {
		t.Fatalf("unexpected security entry %+v", e)
	}
	if e.Details["rule"] != "keyword:invoice" {
		t.Errorf("expected details preserved, got %v", e.Details)
	}
}

func TestVerify10KEntriesUnder1Second(t *testing.T) {
	l, path := newTestLog(t)

	entry := testEntry("success")
	for i := 0; i < 10000; i++ {
		l.Append(entry)
	}
	l.Close()

	start := time.Now()
	result := Verify(path)
	elapsed := time.Since(start)

	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 10000 {
		t.Fatalf("expected 10000 lines, got %d", result.Lines)
	}
	if elapsed > time.Second {
		t.Fatalf("verification took %v, expected < 1s", elapsed)
	}
}

func TestObserverSeesStampedEntries(t *testing.T) {
	var seen []Entry
	l, _ := newTestLog(t, WithPolicyHash("sha256:abc"), WithObserver(func(e Entry) {
		seen = append(seen, e)
	}))
	defer l.Close()

	l.Append(Entry{Action: "take_screenshot", Outcome: OutcomeSuccess})
	l.RecordSecurityEvent("killswitch_paused", SeverityWarning, "paused", nil)

	if len(seen) != 2 {
		t.Fatalf("expected 2 observed entries, got %d", len(seen))
	}
	if seen[0].Timestamp == "" || seen[0].PolicyHash != "sha256:abc" || seen[0].Type != TypeAction {
		t.Errorf("observer got unstamped entry %+v", seen[0])
	}
	if seen[1].Type != TypeSecurityEvent {
		t.Errorf("expected security event, got %+v", seen[1])
	}
}
