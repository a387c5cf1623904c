package audit

import "time"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// EntryType distinguishes execution outcomes from security events.
type EntryType string

// Entry types.
const (
	TypeAction        EntryType = "action"
	TypeSecurityEvent EntryType = "security_event"
)

// OutcomeSuccess is the outcome recorded for a dispatched action that succeeded.
const OutcomeSuccess = "success"

// Severity levels for security events.
const (
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Entry is one line in the hash-chained JSONL audit log. Args is a map,
// but encoding/json writes map keys sorted, so marshaling stays
// deterministic and hashes are reproducible.
type Entry struct {
	Timestamp   string            `json:"ts"`
	Type        EntryType         `json:"type"`
	Action      string            `json:"action,omitempty"`
	Agent       string            `json:"agent,omitempty"`
	Trigger     string            `json:"trigger,omitempty"`
	Args        map[string]any    `json:"args,omitempty"`
	Risk        int               `json:"risk"`
	Outcome     string            `json:"outcome,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
	Event       string            `json:"event,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	PolicyHash  string            `json:"policy_hash,omitempty"`
	PrevHash    string            `json:"prev_hash"`
}

// Time parses the entry timestamp. Unparseable timestamps yield the zero time.
func (e Entry) Time() time.Time {
	t, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
