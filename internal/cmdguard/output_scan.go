package cmdguard

import (
	"regexp"
	"strings"
)

// secretPatterns match credential values that commonly leak into
// command output.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`xox[abpr]-[A-Za-z0-9\-]{10,}`),
	regexp.MustCompile(`\b[a-f0-9]{64,}\b`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`),
}

const redactPlaceholder = "[REDACTED]"

// envKeyValuePattern matches KEY=VALUE lines for environment variables
// that carry secrets.
var envKeyValuePattern = regexp.MustCompile(
	`(?im)^(?:declare -x |export )?` +
		`(ACTIONGATE_\w*|AWS_SECRET_\w*|AWS_SESSION_TOKEN|GITHUB_TOKEN|GH_TOKEN|\w*_API_KEY|\w*_SECRET)` +
		`[= ].*$`,
)

// ScanOutput returns output with known secrets replaced, along with the
// number of replacements.
func ScanOutput(output string) (string, int) {
	count := 0
	result := output
	for _, re := range secretPatterns {
		if n := len(re.FindAllStringIndex(result, -1)); n > 0 {
			count += n
			result = re.ReplaceAllString(result, redactPlaceholder)
		}
	}

	if n := len(envKeyValuePattern.FindAllStringIndex(result, -1)); n > 0 {
		count += n
		result = envKeyValuePattern.ReplaceAllString(result, redactPlaceholder)
	}

	for strings.Contains(result, redactPlaceholder+"\n"+redactPlaceholder) {
		result = strings.ReplaceAll(result, redactPlaceholder+"\n"+redactPlaceholder, redactPlaceholder)
	}
	return result, count
}
