package redact

import (
	"strings"
	"testing"
)

func TestMaskValuePreservesScalars(t *testing.T) {
	if MaskValue(42) != 42 {
		t.Error("expected int preserved")
	}
	if MaskValue(true) != true {
		t.Error("expected bool preserved")
	}
	if MaskValue(nil) != nil {
		t.Error("expected nil preserved")
	}
	if MaskValue("hunter2") != "***" {
		t.Error("expected string masked")
	}
}

func TestArgsMasksSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"repo":     "/p/app",
		"Password": "hunter2",
		"token":    "abc",
	}
	out := Args(in)
	if out["repo"] != "/p/app" {
		t.Errorf("expected repo untouched, got %v", out["repo"])
	}
	if out["Password"] != "***" || out["token"] != "***" {
		t.Errorf("expected sensitive keys masked, got %v", out)
	}
	if in["Password"] != "hunter2" {
		t.Error("expected input map not to be modified")
	}
}

func TestArgsScrubsInlineCredentials(t *testing.T) {
	out := Args(map[string]any{"message": "deploy with token=s3cr3t now"})
	got := out["message"].(string)
	if strings.Contains(got, "s3cr3t") {
		t.Errorf("expected inline token scrubbed, got %q", got)
	}
	if got != "deploy with token=*** now" {
		t.Errorf("unexpected scrub result %q", got)
	}
}

func TestArgsRecursesIntoNested(t *testing.T) {
	out := Args(map[string]any{
		"opts": map[string]any{"secret": "x", "keep": "y"},
		"list": []any{"api_key: zzz", 3},
	})
	opts := out["opts"].(map[string]any)
	if opts["secret"] != "***" || opts["keep"] != "y" {
		t.Errorf("unexpected nested result %v", opts)
	}
	list := out["list"].([]any)
	if list[0] != "api_key: ***" || list[1] != 3 {
		t.Errorf("unexpected list result %v", list)
	}
}

func TestScrubTruncatesLongValues(t *testing.T) {
	got := Scrub(strings.Repeat("é", MaxValueLen+10))
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("expected truncation marker, got suffix %q", got[len(got)-20:])
	}
	if strings.Count(got, "é") != MaxValueLen {
		t.Errorf("expected %d runes kept, got %d", MaxValueLen, strings.Count(got, "é"))
	}
}

func TestMapNil(t *testing.T) {
	if Map(nil, DefaultSensitiveKeys) != nil {
		t.Error("expected nil for nil input")
	}
}
