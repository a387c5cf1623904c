package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Predicate selects entries in Query.
type Predicate func(Entry) bool

// Stats aggregates entries over a time window.
type Stats struct {
	Since          string         `json:"since,omitempty"`
	Total          int            `json:"total"`
	Actions        int            `json:"actions"`
	Succeeded      int            `json:"succeeded"`
	SuccessRate    float64        `json:"success_rate"`
	SecurityEvents int            `json:"security_events"`
	ByOutcome      map[string]int `json:"by_outcome"`
	ByRisk         map[string]int `json:"by_risk"`
	ByAction       map[string]int `json:"by_action"`
	ByAgent        map[string]int `json:"by_agent"`
	ByTrigger      map[string]int `json:"by_trigger"`
}

// Scan calls fn for every well-formed entry in the file, oldest first,
// until fn returns false. Malformed lines are skipped. A missing file has
// no entries.
func Scan(path string, fn func(Entry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !fn(entry) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	return nil
}

// ReadSince returns entries at or after since that match pred. A zero
// since means no lower bound; a nil pred matches everything.
func ReadSince(path string, pred Predicate, since time.Time) ([]Entry, error) {
	var out []Entry
	err := Scan(path, func(e Entry) bool {
		if match(e, pred, since) {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

func match(e Entry, pred Predicate, since time.Time) bool {
	if !since.IsZero() {
		ts := e.Time()
		if ts.IsZero() || ts.Before(since) {
			return false
		}
	}
	return pred == nil || pred(e)
}

// Query returns matching entries from the file plus any still buffered
// in memory.
func (l *Log) Query(pred Predicate, since time.Time) ([]Entry, error) {
	out, err := ReadSince(l.path, pred, since)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	for _, e := range l.pending {
		if match(e, pred, since) {
			out = append(out, e)
		}
	}
	l.mu.Unlock()
	return out, nil
}

// Stats aggregates entries from the last window. A window of zero or less
// covers the whole log.
func (l *Log) Stats(window time.Duration) (*Stats, error) {
	var since time.Time
	if window > 0 {
		since = l.now().Add(-window)
	}
	entries, err := l.Query(nil, since)
	if err != nil {
		return nil, err
	}
	return Summarize(entries, since), nil
}

// Summarize computes Stats over entries.
func Summarize(entries []Entry, since time.Time) *Stats {
	s := &Stats{
		ByOutcome: map[string]int{},
		ByRisk:    map[string]int{},
		ByAction:  map[string]int{},
		ByAgent:   map[string]int{},
		ByTrigger: map[string]int{},
	}
	if !since.IsZero() {
		s.Since = since.UTC().Format(TimestampFormat)
	}
	for _, e := range entries {
		s.Total++
		s.ByOutcome[e.Outcome]++
		if e.Type == TypeSecurityEvent {
			s.SecurityEvents++
			continue
		}
		s.Actions++
		s.ByRisk[strconv.Itoa(e.Risk)]++
		if e.Action != "" {
			s.ByAction[e.Action]++
		}
		if e.Agent != "" {
			s.ByAgent[e.Agent]++
		}
		if e.Trigger != "" {
			s.ByTrigger[e.Trigger]++
		}
		if e.Outcome == OutcomeSuccess {
			s.Succeeded++
		}
	}
	if s.Actions > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Actions)
	}
	return s
}

// Search returns up to limit of the newest entries whose JSON line
// contains text, case-insensitively. limit <= 0 means no limit.
func Search(path, text string, limit int) ([]Entry, error) {
	needle := strings.ToLower(text)
	var out []Entry
	err := Scan(path, func(e Entry) bool {
		line, err := json.Marshal(e)
		if err == nil && strings.Contains(strings.ToLower(string(line)), needle) {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Tail returns the last n entries of the file.
func Tail(path string, n int) ([]Entry, error) {
	var ring []Entry
	err := Scan(path, func(e Entry) bool {
		ring = append(ring, e)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
		return true
	})
	return ring, err
}

// sortedCounts returns map keys ordered by descending count, then name.
func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
