package guard

import (
	"net/url"
	"regexp"
	"strings"
)

// hostRe finds dotted host names inside free text, URLs and e-mail
// addresses. Input is lowercased before matching.
var hostRe = regexp.MustCompile(`[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)+`)

// hostsIn returns the distinct host-like tokens in s.
func hostsIn(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(h string) {
		h = strings.Trim(h, ".")
		if h == "" {
			return
		}
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	if u, err := url.Parse(strings.TrimSpace(s)); err == nil && u.Host != "" {
		add(u.Hostname())
	}
	for _, m := range hostRe.FindAllString(s, -1) {
		add(m)
	}
	return out
}

// matchDomain reports the first domain that host equals or is a
// subdomain of.
func matchDomain(host string, domains []string) (string, bool) {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return d, true
		}
	}
	return "", false
}
