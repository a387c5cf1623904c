// Package app assembles the engine from runtime configuration and owns
// its background loops.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/alert"
	"github.com/ppiankov/actiongate/internal/audit"
	"github.com/ppiankov/actiongate/internal/cmdguard"
	"github.com/ppiankov/actiongate/internal/config"
	"github.com/ppiankov/actiongate/internal/confirm"
	"github.com/ppiankov/actiongate/internal/denylist"
	"github.com/ppiankov/actiongate/internal/executor"
	"github.com/ppiankov/actiongate/internal/guard"
	"github.com/ppiankov/actiongate/internal/handler"
	"github.com/ppiankov/actiongate/internal/killswitch"
	"github.com/ppiankov/actiongate/internal/metrics"
	"github.com/ppiankov/actiongate/internal/policy"
	"github.com/ppiankov/actiongate/internal/ratelimit"
)

// StatusAction is served by a built-in handler when the policy defines it
// and no command is bound.
const StatusAction = "get_status"

// App holds every wired component.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Policy   *policy.Document
	Audit    *audit.Log
	Switch   *killswitch.Switch
	Confirm  *confirm.Manager
	Limiter  *ratelimit.Limiter
	Guard    *guard.Guard
	Handlers *handler.Registry
	Executor *executor.Executor
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Alerts   *alert.Dispatcher // nil when no webhooks are configured

	started time.Time
}

// Status is the combined engine status.
type Status struct {
	State         string       `json:"state"`
	Since         time.Time    `json:"since"`
	Uptime        string       `json:"uptime"`
	PolicyHash    string       `json:"policy_hash"`
	Actions       int          `json:"actions"`
	Bound         []string     `json:"bound_actions"`
	Pending       int          `json:"pending_confirmations"`
	AuditBuffered int          `json:"audit_buffered"`
	Guard         guard.Status `json:"guard"`
}

// Build loads the policy and wires all components. Any policy or binding
// error is returned and must abort startup.
func Build(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Policy:   doc,
		Registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	auditOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithRetry(cfg.Audit.RetryAttempts, cfg.Audit.RetryDelay),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithPolicyHash(doc.Hash),
	}
	if a.Alerts = alert.NewDispatcher(cfg.Alerts, alert.WithLogger(logger)); a.Alerts != nil {
		auditOpts = append(auditOpts, audit.WithObserver(a.Alerts.Observe))
	}
	a.Audit, err = audit.Open(cfg.Audit.Path, auditOpts...)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	a.Switch = killswitch.New(
		killswitch.WithStateFile(cfg.KillSwitch.StatePath),
		killswitch.WithLogger(logger),
		killswitch.WithObserver(a.onSwitch))
	a.Metrics.KillSwitchState.Set(float64(a.Switch.State()))

	ttl := doc.ConfirmTTL
	if !doc.ConfirmTTLSet && cfg.Confirm.TTL > 0 {
		ttl = cfg.Confirm.TTL
	}
	a.Confirm = confirm.NewManager(ttl, confirm.WithLogger(logger))
	a.Limiter = ratelimit.New()

	dl, err := denylist.Load(cfg.Executor.DenylistPath)
	if err != nil {
		a.Audit.Close()
		return nil, fmt.Errorf("load denylist: %w", err)
	}
	runner := cmdguard.New(cmdguard.WithDenylist(dl))

	a.Guard = guard.New(doc.Guard,
		guard.WithLogger(logger),
		guard.WithUnmounter(guard.NewCommandUnmounter(runner)),
		guard.WithRecorder(a.Audit),
		guard.WithPauser(a.Switch),
		guard.WithLockdownTimeout(cfg.Guard.LockdownTimeout))

	a.Handlers, err = a.bindHandlers(runner)
	if err != nil {
		a.Audit.Close()
		return nil, err
	}

	a.Executor, err = executor.New(executor.Deps{
		Policy:   doc,
		Handlers: a.Handlers,
		Limiter:  a.Limiter,
		Confirm:  a.Confirm,
		Guard:    a.Guard,
		Switch:   a.Switch,
		Audit:    a.Audit,
		Metrics:  a.Metrics,
		Logger:   logger,
	},
		executor.WithHandlerTimeout(cfg.Executor.HandlerTimeout),
		executor.WithBreaker(cfg.Executor.BreakerFailures, cfg.Executor.BreakerCooldown))
	if err != nil {
		a.Audit.Close()
		return nil, err
	}

	logger.Info("engine ready",
		zap.String("policy", cfg.Policy.Path),
		zap.String("policy_hash", doc.Hash),
		zap.Int("actions", len(doc.Actions)),
		zap.Strings("bound", a.Handlers.Names()),
		zap.String("state", a.Switch.State().String()))
	return a, nil
}

func (a *App) bindHandlers(runner *cmdguard.Runner) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	names := make([]string, 0, len(a.Config.Handlers))
	for name := range a.Config.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := a.Config.Handlers[name]
		field := "handlers." + name
		if act, ok := a.Policy.Lookup(name); ok {
			h, err := handler.NewExecHandler(runner, b)
			if err != nil {
				return nil, &policy.LoadError{Field: field, Err: err}
			}
			for _, p := range h.Placeholders() {
				if _, ok := act.Field(p); !ok {
					return nil, &policy.LoadError{Field: field, Err: fmt.Errorf("placeholder {%s} is not an argument of %s", p, name)}
				}
			}
			if err := reg.Register(name, h); err != nil {
				return nil, err
			}
			continue
		}
		// Unknown action: let the policy report it consistently.
		if err := a.Policy.CheckBindings([]string{name}); err != nil {
			return nil, err
		}
	}

	if _, ok := a.Policy.Lookup(StatusAction); ok {
		if _, bound := reg.Lookup(StatusAction); !bound {
			if err := reg.Register(StatusAction, handler.Func(a.statusHandler)); err != nil {
				return nil, err
			}
		}
	}
	if err := a.Policy.CheckBindings(reg.Names()); err != nil {
		return nil, err
	}
	return reg, nil
}

func (a *App) statusHandler(context.Context, map[string]any) (any, error) {
	return a.Status(), nil
}

func (a *App) onSwitch(st killswitch.State) {
	if a.Metrics != nil {
		a.Metrics.KillSwitchState.Set(float64(st))
	}
	if a.Audit == nil {
		return
	}
	severity := audit.SeverityWarning
	if st == killswitch.Killed {
		severity = audit.SeverityCritical
	}
	a.Audit.RecordSecurityEvent("killswitch_"+st.String(), severity,
		"execution state changed", map[string]string{"state": st.String()})
}

// Status reports the engine state.
func (a *App) Status() Status {
	ks := a.Switch.Status()
	return Status{
		State:         ks.State,
		Since:         ks.Since,
		Uptime:        time.Since(a.started).Round(time.Second).String(),
		PolicyHash:    a.Policy.Hash,
		Actions:       len(a.Policy.Actions),
		Bound:         a.Handlers.Names(),
		Pending:       len(a.Confirm.Pending()),
		AuditBuffered: a.Audit.Buffered(),
		Guard:         a.Guard.Status(),
	}
}

// Start launches the challenge sweeper and the kill-switch file watcher.
// Both stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go a.Confirm.Run(ctx, a.Config.Confirm.SweepInterval)

	if a.Config.KillSwitch.StatePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.Config.KillSwitch.StatePath), 0o700); err != nil {
		a.Logger.Warn("kill switch watcher disabled", zap.Error(err))
		return
	}
	go func() {
		if err := a.Switch.Watch(ctx); err != nil {
			a.Logger.Warn("kill switch watcher stopped", zap.Error(err))
		}
	}()
}

// Close flushes and closes the audit log, then waits for in-flight alerts.
func (a *App) Close() error {
	if a.Audit == nil {
		return nil
	}
	err := a.Audit.Close()
	a.Alerts.Wait()
	return err
}
