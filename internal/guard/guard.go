// Package guard detects attempts to reach a protected resource class
// (by default, financial data) through action arguments, and watches the
// live mount state of the protected volume.
//
// Five layers are evaluated independently on every Check: path, keyword,
// app, domain and runtime. Any hit on the first four blocks the request.
// A mounted protected volume is a standing violation; it blocks only
// actions that take a filesystem path.
package guard

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/killswitch"
	"github.com/ppiankov/actiongate/internal/pathsec"
	"github.com/ppiankov/actiongate/internal/policy"
)

// Layer names one detection layer.
type Layer string

// Detection layers.
const (
	LayerPath    Layer = "path"
	LayerKeyword Layer = "keyword"
	LayerApp     Layer = "app"
	LayerDomain  Layer = "domain"
	LayerRuntime Layer = "runtime"
)

const (
	// DefaultHistory bounds the in-memory violation history.
	DefaultHistory = 1000
	// RecentWindow is how far back Status reports violations.
	RecentWindow = time.Hour
	// DefaultLockdownTimeout bounds the unmount step of a lockdown.
	DefaultLockdownTimeout = 10 * time.Second
)

// Violation is one matched rule.
type Violation struct {
	Time     time.Time `json:"time"`
	Layer    Layer     `json:"layer"`
	Rule     string    `json:"rule"`
	Value    string    `json:"value"`
	Action   string    `json:"action,omitempty"`
	Field    string    `json:"field,omitempty"`
	Blocking bool      `json:"blocking"`
}

func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s rule %q matched %s=%q", v.Layer, v.Rule, v.Field, v.Value)
	}
	return fmt.Sprintf("%s rule %q matched %q", v.Layer, v.Rule, v.Value)
}

// Result is the outcome of a Check.
type Result struct {
	Secure     bool        `json:"secure"`
	Violations []Violation `json:"violations,omitempty"`
}

// Blocked reports whether any violation denies the requested action.
func (r Result) Blocked() bool {
	for _, v := range r.Violations {
		if v.Blocking {
			return true
		}
	}
	return false
}

// Reason summarizes the blocking violations.
func (r Result) Reason() string {
	var parts []string
	for _, v := range r.Violations {
		if v.Blocking {
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, "; ")
}

// Status is the guard status surface.
type Status struct {
	Volume           string      `json:"volume,omitempty"`
	VolumeMounted    bool        `json:"volume_mounted"`
	ProbeError       string      `json:"probe_error,omitempty"`
	RecentViolations []Violation `json:"recent_violations"`
}

// Stats counts recorded violations.
type Stats struct {
	Total   int           `json:"total"`
	ByLayer map[Layer]int `json:"by_layer"`
	Last    time.Time     `json:"last,omitempty"`
}

// SecurityRecorder receives security events. *audit.Log satisfies it.
type SecurityRecorder interface {
	RecordSecurityEvent(event, severity, description string, details map[string]string)
}

// Pauser halts execution. *killswitch.Switch satisfies it.
type Pauser interface {
	Pause() killswitch.State
}

// Option configures a Guard.
type Option func(*Guard)

// WithProbe replaces the live mount probe.
func WithProbe(p Probe) Option { return func(g *Guard) { g.probe = p } }

// WithUnmounter replaces the lockdown unmounter.
func WithUnmounter(u Unmounter) Option { return func(g *Guard) { g.unmounter = u } }

// WithRecorder sets the destination for lockdown security events.
func WithRecorder(r SecurityRecorder) Option { return func(g *Guard) { g.recorder = r } }

// WithPauser sets what a lockdown pauses.
func WithPauser(p Pauser) Option { return func(g *Guard) { g.pauser = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l.With(zap.String("mod", "guard"))
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithLockdownTimeout bounds the unmount step.
func WithLockdownTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockdownTimeout = d
		}
	}
}

// WithHistory sets how many violations are retained.
func WithHistory(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.history = n
		}
	}
}

// Guard evaluates guard rules. It is safe for concurrent use.
type Guard struct {
	rules     policy.GuardRules
	denyRoots []string
	appFields map[string]struct{}

	probe           Probe
	unmounter       Unmounter
	recorder        SecurityRecorder
	pauser          Pauser
	logger          *zap.Logger
	now             func() time.Time
	lockdownTimeout time.Duration
	history         int

	mu         sync.Mutex
	violations []Violation
	total      int
	byLayer    map[Layer]int
}

// New creates a Guard for the given rules.
func New(rules policy.GuardRules, opts ...Option) *Guard {
	g := &Guard{
		rules:           rules,
		appFields:       make(map[string]struct{}, len(rules.AppFields)),
		probe:           MountProbe{},
		unmounter:       NewCommandUnmounter(nil),
		logger:          zap.NewNop(),
		now:             time.Now,
		lockdownTimeout: DefaultLockdownTimeout,
		history:         DefaultHistory,
		byLayer:         make(map[Layer]int),
	}
	for _, f := range rules.AppFields {
		g.appFields[strings.ToLower(f)] = struct{}{}
	}
	g.denyRoots = append(g.denyRoots, rules.DenyPaths...)
	if rules.Volume != "" {
		g.denyRoots = append(g.denyRoots, rules.Volume)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Rules returns the rules the guard enforces.
func (g *Guard) Rules() policy.GuardRules { return g.rules }

// Check evaluates every layer against args. action may be nil to check
// only the standing runtime condition. Blocking violations are recorded
// in the history.
func (g *Guard) Check(action *policy.Action, args map[string]any) Result {
	res := g.Evaluate(action, args)
	if res.Blocked() {
		g.record(res.Violations)
		name := ""
		if action != nil {
			name = action.Name
		}
		g.logger.Warn("guard violation",
			zap.String("action", name),
			zap.String("reason", res.Reason()))
	}
	return res
}

// Evaluate is Check without touching the violation history.
func (g *Guard) Evaluate(action *policy.Action, args map[string]any) Result {
	now := g.now()
	name := ""
	if action != nil {
		name = action.Name
	}

	var found []Violation
	add := func(layer Layer, rule, field, value string, blocking bool) {
		found = append(found, Violation{
			Time: now, Layer: layer, Rule: rule, Value: value,
			Action: name, Field: field, Blocking: blocking,
		})
	}

	for _, sv := range flatten(args) {
		g.checkValue(action, sv, add)
	}

	if g.rules.Volume != "" {
		mounted, err := g.probe.Mounted(g.rules.Volume)
		if err != nil {
			g.logger.Warn("mount probe failed, treating volume as mounted",
				zap.String("volume", g.rules.Volume), zap.Error(err))
		}
		if mounted {
			blocking := action != nil && action.HasPathField()
			add(LayerRuntime, "volume_mounted", "", g.rules.Volume, blocking)
		}
	}

	return Result{Secure: len(found) == 0, Violations: found}
}

func (g *Guard) checkValue(action *policy.Action, sv stringValue, add func(Layer, string, string, string, bool)) {
	if g.isPathCandidate(action, sv) {
		if root, ok := pathsec.ContainedIn(sv.value, g.denyRoots); ok {
			add(LayerPath, root, sv.field, sv.value, true)
		}
	}

	lower := strings.ToLower(sv.value)
	for _, kw := range g.rules.Keywords {
		if strings.Contains(lower, kw) {
			add(LayerKeyword, kw, sv.field, sv.value, true)
		}
	}

	if _, ok := g.appFields[strings.ToLower(sv.field)]; ok {
		for _, app := range g.rules.Apps {
			if strings.EqualFold(strings.TrimSpace(sv.value), app) {
				add(LayerApp, app, sv.field, sv.value, true)
			}
		}
	}

	if len(g.rules.Domains) > 0 {
		for _, host := range hostsIn(lower) {
			if d, ok := matchDomain(host, g.rules.Domains); ok {
				add(LayerDomain, d, sv.field, sv.value, true)
			}
		}
	}
}

func (g *Guard) isPathCandidate(action *policy.Action, sv stringValue) bool {
	if len(g.denyRoots) == 0 || sv.value == "" {
		return false
	}
	if action != nil {
		if f, ok := action.Field(sv.field); ok && f.Constraint != nil && f.Constraint.Kind() == policy.KindPath {
			return true
		}
	}
	return filepath.IsAbs(sv.value) || strings.HasPrefix(sv.value, "~")
}

func (g *Guard) record(vs []Violation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range vs {
		if !v.Blocking {
			continue
		}
		g.violations = append(g.violations, v)
		g.total++
		g.byLayer[v.Layer]++
	}
	if over := len(g.violations) - g.history; over > 0 {
		g.violations = append([]Violation(nil), g.violations[over:]...)
	}
}

// Status probes the volume and returns violations from the last hour.
func (g *Guard) Status() Status {
	st := Status{Volume: g.rules.Volume, RecentViolations: []Violation{}}
	if g.rules.Volume != "" {
		mounted, err := g.probe.Mounted(g.rules.Volume)
		st.VolumeMounted = mounted
		if err != nil {
			st.ProbeError = err.Error()
		}
	}

	cutoff := g.now().Add(-RecentWindow)
	g.mu.Lock()
	for _, v := range g.violations {
		if v.Time.After(cutoff) {
			st.RecentViolations = append(st.RecentViolations, v)
		}
	}
	g.mu.Unlock()
	return st
}

// Stats returns violation counters since the guard was created.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{Total: g.total, ByLayer: make(map[Layer]int, len(g.byLayer))}
	for k, v := range g.byLayer {
		st.ByLayer[k] = v
	}
	if n := len(g.violations); n > 0 {
		st.Last = g.violations[n-1].Time
	}
	return st
}

type stringValue struct {
	field string
	value string
}

// flatten collects every string in args, descending into lists and
// nested maps. Nested values report the top-level field name.
func flatten(args map[string]any) []stringValue {
	var out []stringValue
	var walk func(field string, v any)
	walk = func(field string, v any) {
		switch t := v.(type) {
		case string:
			out = append(out, stringValue{field: field, value: t})
		case []any:
			for _, e := range t {
				walk(field, e)
			}
		case []string:
			for _, e := range t {
				walk(field, e)
			}
		case map[string]any:
			for _, k := range sortedKeys(t) {
				walk(field, t[k])
			}
		}
	}
	for _, k := range sortedKeys(args) {
		walk(k, args[k])
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
