package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/actiongate/internal/killswitch"
)

// setupHome writes the starter files under a fresh HOME and points the
// root --config flag at them.
func setupHome(t *testing.T) string {
	t.Helper()
	resetInitFlags(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	initPolicyCmd.SetOut(&bytes.Buffer{})
	if err := runInitPolicy(initPolicyCmd, nil); err != nil {
		t.Fatalf("init-policy: %v", err)
	}
	cfgFile = filepath.Join(home, ".actiongate", "config.yaml")

	submitFormat = "text"
	submitDryRun = false
	submitYes = false
	submitArgsJSON = ""
	return home
}

func runCmd(t *testing.T, run func() error) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	submitCmd.SetOut(&out)
	submitCmd.SetErr(&errOut)
	submitCmd.SetContext(context.Background())
	err := run()
	return out.String(), errOut.String(), err
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return 1
	}
	return 0
}

func TestSubmitStatus(t *testing.T) {
	setupHome(t)
	submitFormat = "json"

	out, _, err := runCmd(t, func() error { return runSubmit(submitCmd, []string{"get_status"}) })
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(out, `"state": "running"`) {
		t.Fatalf("expected running status, got %s", out)
	}
}

func TestSubmitRefusedExitCode(t *testing.T) {
	setupHome(t)

	_, errOut, err := runCmd(t, func() error { return runSubmit(submitCmd, []string{"sudo_command"}) })
	if code := exitCode(err); code != exitRefused {
		t.Fatalf("expected exit %d, got %d (%v)", exitRefused, code, err)
	}
	if !strings.Contains(errOut, "action_blocked") {
		t.Fatalf("expected action_blocked on stderr, got %q", errOut)
	}
}

func TestSubmitDryRunDoesNotAudit(t *testing.T) {
	home := setupHome(t)
	submitDryRun = true

	out, _, err := runCmd(t, func() error { return runSubmit(submitCmd, []string{"get_status"}) })
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "dry run") {
		t.Fatalf("expected dry run output, got %q", out)
	}

	verify := bytes.Buffer{}
	auditVerifyCmd.SetOut(&verify)
	if err := runAuditVerify(auditVerifyCmd, []string{filepath.Join(home, ".actiongate", "audit", "audit.jsonl")}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(verify.String(), "OK: 0 entries") {
		t.Fatalf("dry run must not audit, got %q", verify.String())
	}
}

func TestSubmitThenAuditVerifies(t *testing.T) {
	setupHome(t)
	for range 3 {
		if _, _, err := runCmd(t, func() error { return runSubmit(submitCmd, []string{"get_status"}) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	var out bytes.Buffer
	auditVerifyCmd.SetOut(&out)
	if err := runAuditVerify(auditVerifyCmd, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "OK: 3 entries") {
		t.Fatalf("expected 3 verified entries, got %q", out.String())
	}

	out.Reset()
	auditSearchCmd.SetOut(&out)
	searchLimit = 1
	if err := runAuditSearch(auditSearchCmd, []string{"get_status"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if strings.Count(out.String(), `"action": "get_status"`) != 1 {
		t.Fatalf("expected one search hit, got %s", out.String())
	}
}

func TestParseSubmit(t *testing.T) {
	submitArgsJSON = `{"count": 2, "remote": "upstream"}`
	t.Cleanup(func() { submitArgsJSON = "" })

	req, err := parseSubmit([]string{"git_push", "remote=origin", "branch=main"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Action != "git_push" || req.Args["remote"] != "origin" || req.Args["branch"] != "main" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Args["count"] != float64(2) {
		t.Fatalf("expected JSON args merged, got %+v", req.Args)
	}

	if _, err := parseSubmit([]string{"x", "novalue"}); err == nil {
		t.Fatal("expected error for bare argument")
	}
}

func TestKillswitchCommands(t *testing.T) {
	home := setupHome(t)
	statePath := filepath.Join(home, ".actiongate", "killswitch")

	var out bytes.Buffer
	killswitchCmd.SetOut(&out)

	steps := []struct {
		apply func(*killswitch.Switch) killswitch.State
		want  killswitch.State
	}{
		{(*killswitch.Switch).Pause, killswitch.Paused},
		{(*killswitch.Switch).Kill, killswitch.Killed},
		{(*killswitch.Switch).Resume, killswitch.Killed},
		{(*killswitch.Switch).Reset, killswitch.Running},
	}
	for _, step := range steps {
		if err := runSwitch(killswitchCmd, step.apply); err != nil {
			t.Fatal(err)
		}
		st, _, err := killswitch.ReadStateFile(statePath)
		if err != nil {
			t.Fatal(err)
		}
		if st != step.want {
			t.Fatalf("expected %s, got %s", step.want, st)
		}
	}
}

func TestKilledStateRefusesSubmit(t *testing.T) {
	setupHome(t)
	killswitchCmd.SetOut(&bytes.Buffer{})
	if err := runSwitch(killswitchCmd, (*killswitch.Switch).Kill); err != nil {
		t.Fatal(err)
	}

	_, errOut, err := runCmd(t, func() error { return runSubmit(submitCmd, []string{"get_status"}) })
	if exitCode(err) != exitRefused || !strings.Contains(errOut, "system_killed") {
		t.Fatalf("expected system_killed refusal, got %v / %q", err, errOut)
	}
}

func TestPolicyValidateAndList(t *testing.T) {
	setupHome(t)

	var out bytes.Buffer
	policyValidateCmd.SetOut(&out)
	if err := runPolicyValidate(policyValidateCmd, nil); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(out.String(), "OK:") || !strings.Contains(out.String(), "sha256:") {
		t.Fatalf("unexpected validate output: %q", out.String())
	}

	out.Reset()
	policyListCmd.SetOut(&out)
	listRisk = 3
	listFormat = "text"
	t.Cleanup(func() { listRisk = -1 })
	if err := runPolicyList(policyListCmd, nil); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "sudo_command") || strings.Contains(out.String(), "get_status") {
		t.Fatalf("expected only critical actions, got %s", out.String())
	}
}

func TestPolicyValidateRejectsBadFile(t *testing.T) {
	setupHome(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("actions:\n  x:\n    risk: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	policyValidateCmd.SetOut(&bytes.Buffer{})
	if code := exitCode(runPolicyValidate(policyValidateCmd, []string{bad})); code != exitConfig {
		t.Fatalf("expected exit %d, got %d", exitConfig, code)
	}
}
