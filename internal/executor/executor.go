// Package executor is the single entry point that may invoke an action
// handler. Every request passes, in order: the kill switch, the catalog,
// argument validation, the resource guard, the rate limiter and, for
// guarded actions, a confirmation challenge. Each request produces
// exactly one audit entry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/audit"
	"github.com/ppiankov/actiongate/internal/confirm"
	"github.com/ppiankov/actiongate/internal/guard"
	"github.com/ppiankov/actiongate/internal/handler"
	"github.com/ppiankov/actiongate/internal/killswitch"
	"github.com/ppiankov/actiongate/internal/metrics"
	"github.com/ppiankov/actiongate/internal/policy"
	"github.com/ppiankov/actiongate/internal/ratelimit"
	"github.com/ppiankov/actiongate/internal/redact"
	"github.com/ppiankov/actiongate/internal/validate"
)

// Defaults for dispatch.
const (
	DefaultHandlerTimeout  = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// GuardViolationEvent names the security event written for a guard block.
const GuardViolationEvent = "guard_violation"

// Auditor receives audit entries. *audit.Log satisfies it.
type Auditor interface {
	Append(entry audit.Entry)
}

// Deps are the components the executor orchestrates. Policy is required;
// the rest default to fresh in-memory instances.
type Deps struct {
	Policy   *policy.Document
	Handlers *handler.Registry
	Limiter  *ratelimit.Limiter
	Confirm  *confirm.Manager
	Guard    *guard.Guard
	Switch   *killswitch.Switch
	Audit    Auditor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHandlerTimeout bounds each handler dispatch.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBreaker sets how many consecutive handler failures open an action's
// circuit and how long it stays open.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(e *Executor) {
		if failures > 0 {
			e.breakerFailures = failures
		}
		if cooldown > 0 {
			e.breakerCooldown = cooldown
		}
	}
}

// WithClock overrides time.Now for durations.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor orchestrates the gates. It is safe for concurrent use.
type Executor struct {
	doc      *policy.Document
	handlers *handler.Registry
	limiter  *ratelimit.Limiter
	confirm  *confirm.Manager
	guard    *guard.Guard
	sw       *killswitch.Switch
	audit    Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	timeout         time.Duration
	breakerFailures uint32
	breakerCooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New wires an Executor. It fails if a handler is bound to an action the
// policy does not define or to a critical-tier action.
func New(deps Deps, opts ...Option) (*Executor, error) {
	if deps.Policy == nil {
		return nil, errors.New("executor: policy is required")
	}
	e := &Executor{
		doc:             deps.Policy,
		handlers:        deps.Handlers,
		limiter:         deps.Limiter,
		confirm:         deps.Confirm,
		guard:           deps.Guard,
		sw:              deps.Switch,
		audit:           deps.Audit,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		now:             time.Now,
		timeout:         DefaultHandlerTimeout,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	if e.handlers == nil {
		e.handlers = handler.NewRegistry()
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New()
	}
	if e.confirm == nil {
		e.confirm = confirm.NewManager(e.doc.ConfirmTTL)
	}
	if e.guard == nil {
		e.guard = guard.New(e.doc.Guard)
	}
	if e.sw == nil {
		e.sw = killswitch.New()
	}
	if e.audit == nil {
		e.audit = nopAuditor{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("mod", "executor"))
	for _, o := range opts {
		o(e)
	}

	if err := e.doc.CheckBindings(e.handlers.Names()); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns the policy document in force.
func (e *Executor) Policy() *policy.Document { return e.doc }

// Submit runs req through every gate and, if all pass, dispatches it.
// It never returns a Go error: all failures are tagged outcomes.
func (e *Executor) Submit(ctx context.Context, req Request) Outcome {
	start := e.now()
	rec := record{req: req, risk: -1}
	out := e.submit(ctx, req, &rec)
	rec.duration = e.now().Sub(start)
	e.finish(out, rec)
	return out
}

// record accumulates what the single audit entry for a request needs.
type record struct {
	req        Request
	risk       int
	args       map[string]any
	duration   time.Duration
	dispatched bool
	violations []guard.Violation
}

func (e *Executor) submit(ctx context.Context, req Request, rec *record) Outcome {
	act, out, ok := e.admit(req)
	if act != nil {
		rec.risk = int(act.Risk)
	}
	if !ok {
		return out
	}

	args, out, ok := e.screen(act, req, false)
	rec.args = args
	if !ok {
		rec.violations = out.Violations
		return out
	}

	h, found := e.handlers.Lookup(act.Name)
	if !found {
		return fail(act.Name, KindExecutionError, "no handler bound to action")
	}

	if act.Risk != policy.TierGuarded {
		return e.run(ctx, act, h, args, rec, nil)
	}

	// Guarded: a request without a challenge only gets one issued, so it
	// does not consume quota.
	if err := e.limiter.Peek(act.Name, act.RateLimit); err != nil {
		return rateOutcome(act.Name, err)
	}
	fp := confirm.Fingerprint(args)
	if req.ChallengeID == "" {
		if out, stopped := e.halted(act.Name); stopped {
			return out
		}
		c := e.confirm.Request(act.Name, fp)
		e.metrics.PendingChallenges.Set(float64(len(e.confirm.Pending())))
		exp := c.ExpiresAt()
		return Outcome{
			Kind:        KindConfirmationRequired,
			Action:      act.Name,
			Detail:      fmt.Sprintf("confirmation required within %s", c.TTL),
			ChallengeID: c.ID,
			ExpiresAt:   &exp,
		}
	}

	if req.Response != "" {
		if out, ok := e.resolve(act.Name, req); !ok {
			return out
		}
	}
	return e.run(ctx, act, h, args, rec, func() (Outcome, bool) {
		return e.redeem(act.Name, fp, req.ChallengeID)
	})
}

// run re-reads the kill switch, takes quota and dispatches. A non-nil
// redeem consumes the confirmed challenge once quota is secured; the
// quota is handed back if redeem fails.
func (e *Executor) run(ctx context.Context, act *policy.Action, h handler.Handler, args map[string]any, rec *record, redeem func() (Outcome, bool)) Outcome {
	if out, stopped := e.halted(act.Name); stopped {
		return out
	}
	if err := e.limiter.CheckAndRecord(act.Name, act.RateLimit); err != nil {
		return rateOutcome(act.Name, err)
	}
	if redeem != nil {
		if out, ok := redeem(); !ok {
			if act.RateLimit > 0 {
				e.limiter.Release(act.Name)
			}
			return out
		}
	}
	return e.dispatch(ctx, act, h, args, rec)
}

// halted reports the kill switch refusing new work. It is read on entry
// and again just before anything irreversible happens.
func (e *Executor) halted(action string) (Outcome, bool) {
	switch e.sw.State() {
	case killswitch.Paused:
		return fail(action, KindSystemPaused, "execution is paused"), true
	case killswitch.Killed:
		return fail(action, KindSystemKilled, "execution is killed; reset required"), true
	}
	return Outcome{}, false
}

// admit applies the kill switch and catalog gates.
func (e *Executor) admit(req Request) (*policy.Action, Outcome, bool) {
	if out, stopped := e.halted(req.Action); stopped {
		return nil, out, false
	}

	act, ok := e.doc.Lookup(req.Action)
	if !ok {
		return nil, fail(req.Action, KindActionUnknown, "action not in catalog"), false
	}
	if act.Risk == policy.TierCritical {
		reason := act.DenyReason
		if reason == "" {
			reason = "action is never permitted"
		}
		return act, fail(act.Name, KindActionBlocked, reason), false
	}
	return act, Outcome{}, true
}

// screen validates arguments and runs the resource guard. A dry run
// evaluates the guard without recording violations.
func (e *Executor) screen(act *policy.Action, req Request, dryRun bool) (map[string]any, Outcome, bool) {
	args, err := validate.Validate(act, req.Args)
	if err != nil {
		out := fail(act.Name, KindValidationError, err.Error())
		var verr *validate.Error
		if errors.As(err, &verr) {
			out.Field = verr.Field
			out.Detail = verr.Reason
		}
		return req.Args, out, false
	}

	var res guard.Result
	if dryRun {
		res = e.guard.Evaluate(act, args)
	} else {
		res = e.guard.Check(act, args)
	}
	if res.Blocked() {
		out := fail(act.Name, KindGuardViolation, res.Reason())
		for _, v := range res.Violations {
			if v.Blocking {
				out.Violations = append(out.Violations, v)
				if !dryRun {
					e.metrics.GuardViolations.WithLabelValues(string(v.Layer)).Inc()
				}
			}
		}
		return args, out, false
	}
	return args, Outcome{}, true
}

// resolve applies a response that came along with the resubmission.
func (e *Executor) resolve(action string, req Request) (Outcome, bool) {
	switch e.confirm.Resolve(req.ChallengeID, req.Response) {
	case confirm.Confirmed:
		return Outcome{}, true
	case confirm.Expired:
		return e.challengeFailed(action, KindConfirmationExpired, "challenge expired"), false
	case confirm.Rejected:
		return e.challengeFailed(action, KindConfirmationMismatch, "challenge rejected"), false
	default:
		return e.challengeFailed(action, KindConfirmationMismatch, "challenge not pending or response not recognized"), false
	}
}

// redeem consumes a confirmed challenge.
func (e *Executor) redeem(action, fp, challengeID string) (Outcome, bool) {
	switch e.confirm.Consume(challengeID, action, fp) {
	case confirm.Confirmed:
		e.metrics.PendingChallenges.Set(float64(len(e.confirm.Pending())))
		return Outcome{}, true
	case confirm.Expired:
		return e.challengeFailed(action, KindConfirmationExpired, "challenge expired"), false
	default:
		return e.challengeFailed(action, KindConfirmationMismatch,
			"challenge unknown, unconfirmed, already used, or issued for different arguments"), false
	}
}

func (e *Executor) challengeFailed(action string, kind Kind, detail string) Outcome {
	e.metrics.PendingChallenges.Set(float64(len(e.confirm.Pending())))
	return fail(action, kind, detail)
}

func rateOutcome(action string, err error) Outcome {
	out := fail(action, KindRateLimitExceeded, err.Error())
	out.Retryable = true
	var rl *ratelimit.ExceededError
	if errors.As(err, &rl) {
		out.RetryAfterSeconds = int64((rl.RetryAfter + time.Second - 1) / time.Second)
	}
	return out
}

// Check runs the gates with no side effects: no challenge is issued, no
// quota or guard history is recorded, nothing is dispatched or audited.
func (e *Executor) Check(req Request) Outcome {
	out := e.check(req)
	out.DryRun = true
	return out
}

func (e *Executor) check(req Request) Outcome {
	act, out, ok := e.admit(req)
	if !ok {
		return out
	}
	args, out, ok := e.screen(act, req, true)
	if !ok {
		return out
	}
	if _, found := e.handlers.Lookup(act.Name); !found {
		return fail(act.Name, KindExecutionError, "no handler bound to action")
	}
	if err := e.limiter.Peek(act.Name, act.RateLimit); err != nil {
		return rateOutcome(act.Name, err)
	}
	if act.Risk == policy.TierGuarded {
		if req.ChallengeID == "" {
			return fail(act.Name, KindConfirmationRequired, "confirmation required")
		}
		c, live := e.confirm.Lookup(req.ChallengeID)
		if !live || c.Action != act.Name || c.Fingerprint != confirm.Fingerprint(args) {
			return fail(act.Name, KindConfirmationMismatch, "challenge does not match this request")
		}
		if c.Status != confirm.StatusConfirmed && req.Response == "" {
			return fail(act.Name, KindConfirmationRequired, "challenge awaiting confirmation")
		}
	}
	return Outcome{Success: true, Kind: KindSuccess, Action: act.Name, Detail: "all gates passed"}
}

// Confirm applies a human response to a challenge.
func (e *Executor) Confirm(challengeID, response string) ConfirmResult {
	c, _ := e.confirm.Lookup(challengeID)
	res := e.confirm.Resolve(challengeID, response)
	e.metrics.PendingChallenges.Set(float64(len(e.confirm.Pending())))
	e.logger.Info("confirmation response",
		zap.String("challenge_id", challengeID),
		zap.String("action", c.Action),
		zap.String("resolution", string(res)))
	return ConfirmResult{
		Confirmed:   res == confirm.Confirmed,
		Resolution:  string(res),
		ChallengeID: challengeID,
		Action:      c.Action,
	}
}

// Pending lists challenges awaiting a response.
func (e *Executor) Pending() []confirm.Challenge {
	return e.confirm.Pending()
}

// finish writes the single audit entry and updates metrics.
func (e *Executor) finish(out Outcome, rec record) {
	entry := audit.Entry{
		Type:        audit.TypeAction,
		Action:      rec.req.Action,
		Agent:       rec.req.Agent,
		Trigger:     rec.req.Trigger,
		Args:        redact.Args(rec.args),
		Risk:        rec.risk,
		Outcome:     string(out.Kind),
		ChallengeID: out.ChallengeID,
	}
	if rec.args == nil {
		entry.Args = redact.Args(rec.req.Args)
	}
	if !out.Success {
		entry.Reason = redact.Scrub(out.Detail)
	}
	if rec.dispatched {
		entry.DurationMS = rec.duration.Milliseconds()
	}
	if out.ChallengeID == "" && rec.req.ChallengeID != "" {
		entry.ChallengeID = rec.req.ChallengeID
	}
	if out.Kind == KindGuardViolation {
		entry.Type = audit.TypeSecurityEvent
		entry.Event = GuardViolationEvent
		entry.Severity = audit.SeverityHigh
		entry.Details = make(map[string]string, len(rec.violations))
		for _, v := range rec.violations {
			k := string(v.Layer)
			if prev, ok := entry.Details[k]; ok {
				entry.Details[k] = prev + "," + v.Rule
			} else {
				entry.Details[k] = v.Rule
			}
		}
	}
	e.audit.Append(entry)

	if b, ok := e.audit.(interface{ Buffered() int }); ok {
		e.metrics.AuditBuffered.Set(float64(b.Buffered()))
	}
	e.metrics.Outcomes.WithLabelValues(rec.req.Action, string(out.Kind)).Inc()

	fields := []zap.Field{
		zap.String("action", rec.req.Action),
		zap.String("agent", rec.req.Agent),
		zap.String("kind", string(out.Kind)),
	}
	switch {
	case out.Success:
		e.logger.Info("action executed", append(fields, zap.Duration("duration", rec.duration))...)
	case out.Kind == KindGuardViolation:
		e.logger.Warn("action blocked by guard", append(fields, zap.String("detail", out.Detail))...)
	default:
		e.logger.Debug("action not executed", append(fields, zap.String("detail", out.Detail))...)
	}
}

type nopAuditor struct{}

func (nopAuditor) Append(audit.Entry) {}
