package executor

import (
	"fmt"
	"time"

	"github.com/ppiankov/actiongate/internal/guard"
)

// Kind tags an Outcome.
type Kind string

// Outcome kinds. Every request ends in exactly one of these.
const (
	KindSuccess              Kind = "success"
	KindSystemPaused         Kind = "system_paused"
	KindSystemKilled         Kind = "system_killed"
	KindActionUnknown        Kind = "action_unknown"
	KindActionBlocked        Kind = "action_blocked"
	KindValidationError      Kind = "validation_error"
	KindGuardViolation       Kind = "guard_violation"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindConfirmationRequired Kind = "confirmation_required"
	KindConfirmationExpired  Kind = "confirmation_expired"
	KindConfirmationMismatch Kind = "confirmation_mismatch"
	KindExecutionError       Kind = "execution_error"
)

// Request is one proposed action. It carries no way to reach a language
// model; planners can only produce this shape.
type Request struct {
	Action  string         `json:"action"`
	Args    map[string]any `json:"args,omitempty"`
	Trigger string         `json:"trigger,omitempty"`
	Agent   string         `json:"agent,omitempty"`

	// ChallengeID redeems a confirmed challenge for a guarded action.
	ChallengeID string `json:"challenge_id,omitempty"`
	// Response, when set with ChallengeID, resolves the challenge in the
	// same call.
	Response string `json:"response,omitempty"`
}

// Outcome is the tagged result of Submit or Check.
type Outcome struct {
	Success   bool   `json:"success"`
	Kind      Kind   `json:"kind"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`

	ChallengeID string     `json:"challenge_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	Violations []guard.Violation `json:"violations,omitempty"`
	Result     any               `json:"result,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

// ConfirmationRequired reports whether the caller must confirm and resubmit.
func (o Outcome) ConfirmationRequired() bool {
	return o.Kind == KindConfirmationRequired
}

// Err returns nil on success and an *Error otherwise.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	return &Error{Kind: o.Kind, Action: o.Action, Detail: o.Detail, ChallengeID: o.ChallengeID}
}

// Error is the error form of a non-success Outcome.
type Error struct {
	Kind        Kind
	Action      string
	Detail      string
	ChallengeID string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s blocked (%s)", e.Action, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.ChallengeID != "" {
		msg += " [challenge_id=" + e.ChallengeID + "]"
	}
	return msg
}

// ConfirmResult answers a confirmation response.
type ConfirmResult struct {
	Confirmed   bool   `json:"confirmed"`
	Resolution  string `json:"resolution"`
	ChallengeID string `json:"challenge_id"`
	Action      string `json:"action,omitempty"`
}

func fail(action string, kind Kind, detail string) Outcome {
	return Outcome{Kind: kind, Action: action, Detail: detail}
}
