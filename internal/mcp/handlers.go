package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/executor"
)

// SubmitInput defines parameters for actiongate_submit and actiongate_check.
type SubmitInput struct {
	Action      string         `json:"action" jsonschema:"action name from the policy"`
	Args        map[string]any `json:"args,omitempty" jsonschema:"action arguments"`
	Trigger     string         `json:"trigger,omitempty" jsonschema:"what prompted this action"`
	ChallengeID string         `json:"challenge_id,omitempty" jsonschema:"confirmed challenge to redeem"`
}

// OutcomeOutput is the result of a submit or check.
type OutcomeOutput struct {
	Success           bool     `json:"success"`
	Kind              string   `json:"kind"`
	Action            string   `json:"action"`
	Detail            string   `json:"detail,omitempty"`
	Field             string   `json:"field,omitempty"`
	Retryable         bool     `json:"retryable,omitempty"`
	RetryAfterSeconds int64    `json:"retry_after_seconds,omitempty"`
	ChallengeID       string   `json:"challenge_id,omitempty"`
	ExpiresAt         string   `json:"expires_at,omitempty"`
	Violations        []string `json:"violations,omitempty"`
	Result            any      `json:"result,omitempty"`
	DryRun            bool     `json:"dry_run,omitempty"`
}

// EmptyInput is used by tools that take no parameters.
type EmptyInput struct{}

// PendingOutput lists live challenges.
type PendingOutput struct {
	Challenges []PendingItem `json:"challenges"`
}

// PendingItem describes one challenge.
type PendingItem struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

// StatusOutput summarizes the engine.
type StatusOutput struct {
	State         string   `json:"state"`
	Since         string   `json:"since"`
	PolicyHash    string   `json:"policy_hash"`
	Actions       int      `json:"actions"`
	Bound         []string `json:"bound_actions"`
	Pending       int      `json:"pending_confirmations"`
	VolumeMounted bool     `json:"volume_mounted"`
	Violations    int      `json:"recent_violations"`
}

// PauseOutput reports the state after pausing.
type PauseOutput struct {
	State string `json:"state"`
}

func (s *Server) handleSubmit(ctx context.Context, _ *mcpsdk.CallToolRequest, in SubmitInput) (*mcpsdk.CallToolResult, OutcomeOutput, error) {
	out := s.app.Executor.Submit(ctx, s.request(in))
	return resultFor(out), toOutput(out), nil
}

func (s *Server) handleCheck(_ context.Context, _ *mcpsdk.CallToolRequest, in SubmitInput) (*mcpsdk.CallToolResult, OutcomeOutput, error) {
	out := s.app.Executor.Check(s.request(in))
	return resultFor(out), toOutput(out), nil
}

func (s *Server) handlePending(_ context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	out := PendingOutput{Challenges: []PendingItem{}}
	for _, c := range s.app.Executor.Pending() {
		out.Challenges = append(out.Challenges, PendingItem{
			ID:        c.ID,
			Action:    c.Action,
			Status:    string(c.Status),
			ExpiresAt: c.IssuedAt.Add(c.TTL).UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	st := s.app.Status()
	return nil, StatusOutput{
		State:         st.State,
		Since:         st.Since.UTC().Format(time.RFC3339),
		PolicyHash:    st.PolicyHash,
		Actions:       st.Actions,
		Bound:         st.Bound,
		Pending:       st.Pending,
		VolumeMounted: st.Guard.VolumeMounted,
		Violations:    len(st.Guard.RecentViolations),
	}, nil
}

func (s *Server) handlePause(_ context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, PauseOutput, error) {
	st := s.app.Switch.Pause()
	s.logger.Warn("paused by planner", zap.String("agent", s.agentID))
	return nil, PauseOutput{State: st.String()}, nil
}

func (s *Server) request(in SubmitInput) executor.Request {
	return executor.Request{
		Action:      in.Action,
		Args:        in.Args,
		Trigger:     in.Trigger,
		Agent:       s.agentID,
		ChallengeID: in.ChallengeID,
	}
}

// resultFor flags every non-success outcome as a tool error so planners
// see the refusal, except confirmation prompts which are an expected step.
func resultFor(out executor.Outcome) *mcpsdk.CallToolResult {
	if out.Success || out.ConfirmationRequired() {
		return nil
	}
	return &mcpsdk.CallToolResult{IsError: true}
}

func toOutput(out executor.Outcome) OutcomeOutput {
	o := OutcomeOutput{
		Success:           out.Success,
		Kind:              string(out.Kind),
		Action:            out.Action,
		Detail:            out.Detail,
		Field:             out.Field,
		Retryable:         out.Retryable,
		RetryAfterSeconds: out.RetryAfterSeconds,
		ChallengeID:       out.ChallengeID,
		Result:            out.Result,
		DryRun:            out.DryRun,
	}
	if out.ExpiresAt != nil {
		o.ExpiresAt = out.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for _, v := range out.Violations {
		o.Violations = append(o.Violations, v.String())
	}
	return o
}
