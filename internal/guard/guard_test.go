package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/actiongate/internal/killswitch"
	"github.com/ppiankov/actiongate/internal/pathsec"
	"github.com/ppiankov/actiongate/internal/policy"
)

type staticProbe struct {
	mounted bool
	err     error
	calls   int
	mu      sync.Mutex
}

func (p *staticProbe) Mounted(string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.mounted, p.err
}

type recordedEvent struct {
	event, severity, description string
	details                      map[string]string
}

type fakeRecorder struct{ events []recordedEvent }

func (r *fakeRecorder) RecordSecurityEvent(event, severity, description string, details map[string]string) {
	r.events = append(r.events, recordedEvent{event, severity, description, details})
}

type fakeUnmounter struct {
	err   error
	calls int
}

func (u *fakeUnmounter) Unmount(_ context.Context, volume string) ([]string, error) {
	u.calls++
	if u.err != nil {
		return []string{"attempt failed"}, u.err
	}
	return []string{"unmounted " + volume}, nil
}

func testRules(t *testing.T) policy.GuardRules {
	t.Helper()
	dir, err := pathsec.Canonicalize(t.TempDir())
	require.NoError(t, err)
	return policy.GuardRules{
		DenyPaths: []string{filepath.Join(dir, "finance")},
		Keywords:  []string{"invoice", "iban"},
		Apps:      []string{"Banking"},
		Domains:   []string{"paypal.com"},
		AppFields: []string{"app"},
	}
}

func pathAction() *policy.Action {
	return &policy.Action{
		Name: "tail_log",
		Fields: []policy.Field{
			{Name: "path", Constraint: policy.PathConstraint{Root: "logs"}},
		},
	}
}

func plainAction(name string, fields ...string) *policy.Action {
	a := &policy.Action{Name: name}
	for _, f := range fields {
		a.Fields = append(a.Fields, policy.Field{Name: f, Constraint: policy.StringConstraint{}})
	}
	return a
}

func TestKeywordCaseInsensitive(t *testing.T) {
	g := New(testRules(t))
	res := g.Check(plainAction("take_screenshot", "name"), map[string]any{"name": "Invoice_2024.pdf"})

	require.True(t, res.Blocked())
	assert.False(t, res.Secure)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, LayerKeyword, res.Violations[0].Layer)
	assert.Equal(t, "invoice", res.Violations[0].Rule)
	assert.Equal(t, "name", res.Violations[0].Field)
}

func TestCleanArgsAreSecure(t *testing.T) {
	g := New(testRules(t))
	res := g.Check(plainAction("git_commit", "message"), map[string]any{"message": "fix parser"})
	assert.True(t, res.Secure)
	assert.False(t, res.Blocked())
	assert.Empty(t, res.Violations)
}

func TestPathLayer(t *testing.T) {
	rules := testRules(t)
	g := New(rules)
	inside := filepath.Join(rules.DenyPaths[0], "2024", "q1.csv")

	res := g.Check(pathAction(), map[string]any{"path": inside})
	require.True(t, res.Blocked())
	assert.Equal(t, LayerPath, res.Violations[0].Layer)
	assert.Equal(t, rules.DenyPaths[0], res.Violations[0].Rule)
}

func TestPathLayerResolvesSymlink(t *testing.T) {
	rules := testRules(t)
	require.NoError(t, os.MkdirAll(rules.DenyPaths[0], 0o755))
	link := filepath.Join(filepath.Dir(rules.DenyPaths[0]), "innocent")
	require.NoError(t, os.Symlink(rules.DenyPaths[0], link))

	g := New(rules)
	res := g.Check(pathAction(), map[string]any{"path": filepath.Join(link, "data.csv")})
	require.True(t, res.Blocked())
	assert.Equal(t, LayerPath, res.Violations[0].Layer)
}

func TestPathLayerSiblingPrefixNotMatched(t *testing.T) {
	rules := testRules(t)
	g := New(rules)
	res := g.Check(pathAction(), map[string]any{"path": rules.DenyPaths[0] + "-public/readme"})
	assert.False(t, res.Blocked())
}

func TestAbsolutePathInStringFieldChecked(t *testing.T) {
	rules := testRules(t)
	g := New(rules)
	res := g.Check(plainAction("note", "text"), map[string]any{"text": filepath.Join(rules.DenyPaths[0], "x")})
	require.True(t, res.Blocked())
	assert.Equal(t, LayerPath, res.Violations[0].Layer)
}

func TestAppLayer(t *testing.T) {
	g := New(testRules(t))

	res := g.Check(plainAction("open_app", "app"), map[string]any{"app": "banking"})
	require.True(t, res.Blocked())
	assert.Equal(t, LayerApp, res.Violations[0].Layer)

	res = g.Check(plainAction("open_app", "app"), map[string]any{"app": "Banking Helper"})
	assert.False(t, res.Blocked(), "app match is exact, not substring")

	res = g.Check(plainAction("note", "title"), map[string]any{"title": "Banking"})
	assert.False(t, res.Blocked(), "app layer only applies to app fields")
}

func TestDomainLayer(t *testing.T) {
	g := New(testRules(t))
	act := plainAction("open_url", "url")

	for _, v := range []string{
		"paypal.com",
		"https://www.paypal.com/signin",
		"mail billing@PayPal.com please",
		"HTTPS://PAYPAL.COM:443/x",
	} {
		res := g.Check(act, map[string]any{"url": v})
		require.True(t, res.Blocked(), v)
		assert.Equal(t, LayerDomain, res.Violations[0].Layer, v)
		assert.Equal(t, "paypal.com", res.Violations[0].Rule, v)
	}

	for _, v := range []string{"notpaypal.com", "paypal.company.org", "https://example.com/paypal"} {
		res := g.Check(act, map[string]any{"url": v})
		assert.False(t, res.Blocked(), v)
	}
}

func TestNestedValuesChecked(t *testing.T) {
	g := New(testRules(t))
	res := g.Check(plainAction("batch", "items"), map[string]any{
		"items": []any{"ok", map[string]any{"deep": "send IBAN"}},
	})
	require.True(t, res.Blocked())
	assert.Equal(t, "items", res.Violations[0].Field)
}

func TestMultipleLayersReported(t *testing.T) {
	g := New(testRules(t))
	res := g.Check(plainAction("open_url", "url"), map[string]any{"url": "https://paypal.com/invoice"})
	layers := map[Layer]bool{}
	for _, v := range res.Violations {
		layers[v.Layer] = true
	}
	assert.True(t, layers[LayerKeyword])
	assert.True(t, layers[LayerDomain])
}

func TestRuntimeLayerStanding(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	probe := &staticProbe{mounted: true}
	g := New(rules, WithProbe(probe))

	res := g.Check(plainAction("get_status"), nil)
	assert.False(t, res.Secure)
	assert.False(t, res.Blocked(), "standing violation does not block pathless actions")
	require.Len(t, res.Violations, 1)
	assert.Equal(t, LayerRuntime, res.Violations[0].Layer)

	res = g.Check(pathAction(), map[string]any{"path": "/var/log/system.log"})
	assert.True(t, res.Blocked(), "path-taking actions are blocked while mounted")

	res = g.Check(nil, nil)
	assert.False(t, res.Secure)
}

func TestRuntimeProbedEveryCheck(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	probe := &staticProbe{}
	g := New(rules, WithProbe(probe))

	assert.True(t, g.Check(nil, nil).Secure)
	probe.mu.Lock()
	probe.mounted = true
	probe.mu.Unlock()
	assert.False(t, g.Check(nil, nil).Secure)
	assert.Equal(t, 2, probe.calls)
}

func TestProbeErrorFailsClosed(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	g := New(rules, WithProbe(ProbeFunc(func(string) (bool, error) {
		return true, errors.New("stat failed")
	})))
	res := g.Check(pathAction(), map[string]any{"path": "/tmp/x"})
	assert.True(t, res.Blocked())
	assert.NotEmpty(t, g.Status().ProbeError)
}

func TestStatusRecentViolations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := New(testRules(t), WithClock(clock))

	g.Check(plainAction("a", "x"), map[string]any{"x": "invoice"})
	now = now.Add(2 * time.Hour)
	g.Check(plainAction("b", "x"), map[string]any{"x": "iban"})

	st := g.Status()
	require.Len(t, st.RecentViolations, 1)
	assert.Equal(t, "b", st.RecentViolations[0].Action)

	stats := g.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByLayer[LayerKeyword])
	assert.Equal(t, now, stats.Last)
}

func TestHistoryBounded(t *testing.T) {
	g := New(testRules(t), WithHistory(3))
	for i := 0; i < 10; i++ {
		g.Check(plainAction("a", "x"), map[string]any{"x": "invoice"})
	}
	assert.Len(t, g.Status().RecentViolations, 3)
	assert.Equal(t, 10, g.Stats().Total)
}

func TestNonBlockingNotRecorded(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	g := New(rules, WithProbe(&staticProbe{mounted: true}))
	g.Check(plainAction("get_status"), nil)
	assert.Zero(t, g.Stats().Total)
}

func TestEvaluateLeavesHistoryUntouched(t *testing.T) {
	g := New(testRules(t))
	res := g.Evaluate(plainAction("a", "x"), map[string]any{"x": "invoice"})
	assert.True(t, res.Blocked())
	assert.Zero(t, g.Stats().Total)
	assert.Empty(t, g.Status().RecentViolations)

	g.Check(plainAction("a", "x"), map[string]any{"x": "invoice"})
	assert.Equal(t, 1, g.Stats().Total)
}

func TestEmergencyLockdown(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	ks := killswitch.New()
	rec := &fakeRecorder{}
	um := &fakeUnmounter{}
	g := New(rules,
		WithProbe(&staticProbe{mounted: true}),
		WithUnmounter(um),
		WithRecorder(rec),
		WithPauser(ks))

	res := g.EmergencyLockdown(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, killswitch.Paused, ks.State())
	assert.Equal(t, 1, um.calls)
	assert.Contains(t, res.ActionsTaken, "unmounted /Volumes/Finance")

	require.Len(t, rec.events, 1)
	assert.Equal(t, LockdownEvent, rec.events[0].event)
	assert.Equal(t, "critical", rec.events[0].severity)
	assert.Equal(t, "true", rec.events[0].details["success"])
}

func TestEmergencyLockdownUnmountFailure(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	ks := killswitch.New()
	rec := &fakeRecorder{}
	g := New(rules,
		WithProbe(&staticProbe{mounted: true}),
		WithUnmounter(&fakeUnmounter{err: errors.New("busy")}),
		WithRecorder(rec),
		WithPauser(ks))

	res := g.EmergencyLockdown(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, killswitch.Paused, ks.State(), "pause happens even if unmount fails")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "busy")
	assert.Equal(t, "false", rec.events[0].details["success"])
}

func TestEmergencyLockdownVolumeAbsent(t *testing.T) {
	rules := testRules(t)
	rules.Volume = "/Volumes/Finance"
	um := &fakeUnmounter{}
	g := New(rules, WithProbe(&staticProbe{}), WithUnmounter(um), WithPauser(killswitch.New()))

	res := g.EmergencyLockdown(context.Background())
	assert.True(t, res.Success)
	assert.Zero(t, um.calls)
}

func TestEmergencyLockdownKeepsKilled(t *testing.T) {
	ks := killswitch.New()
	ks.Kill()
	g := New(testRules(t), WithPauser(ks))
	g.EmergencyLockdown(context.Background())
	assert.Equal(t, killswitch.Killed, ks.State())
}

func TestConcurrentChecks(t *testing.T) {
	g := New(testRules(t))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g.Check(plainAction("a", "x"), map[string]any{"x": "invoice"})
				g.Status()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, g.Stats().Total)
}
