package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/actiongate/internal/policy"
)

func TestHostsIn(t *testing.T) {
	assert.Equal(t, []string{"www.paypal.com"}, hostsIn("https://www.paypal.com/x"))
	assert.ElementsMatch(t, []string{"a.com", "b.org"}, hostsIn("see a.com and b.org."))
	assert.Empty(t, hostsIn("no hosts here"))
}

func TestMatchDomain(t *testing.T) {
	domains := []string{"stripe.com", "paypal.com"}
	d, ok := matchDomain("api.stripe.com", domains)
	assert.True(t, ok)
	assert.Equal(t, "stripe.com", d)

	_, ok = matchDomain("evilstripe.com", domains)
	assert.False(t, ok)
}

func TestCommandUnmounterAttempts(t *testing.T) {
	u := NewCommandUnmounter(nil)

	u.goos = "darwin"
	assert.Equal(t, [][]string{
		{"diskutil", "unmount", "/Volumes/F"},
		{"diskutil", "unmount", "force", "/Volumes/F"},
	}, u.attempts("/Volumes/F"))

	u.goos = "linux"
	assert.Equal(t, "-l", u.attempts("/mnt/f")[1][1])

	u.goos = "plan9"
	_, err := u.Unmount(t.Context(), "/x")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func FuzzCheck(f *testing.F) {
	g := New(testRulesStatic())
	for _, s := range []string{"", "paypal.com", "/Volumes/Finance/a", "Invoice", "..", "http://[::1]/"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		g.Check(plainAction("a", "x", "app"), map[string]any{"x": s, "app": s})
	})
}

func testRulesStatic() policy.GuardRules {
	return policy.GuardRules{
		DenyPaths: []string{"/Volumes/Finance"},
		Keywords:  []string{"invoice"},
		Apps:      []string{"Banking"},
		Domains:   []string{"paypal.com"},
		AppFields: []string{"app"},
	}
}
