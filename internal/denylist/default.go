package denylist

var shells = []string{"sh", "bash", "zsh", "fish", "dash", "ksh", "csh", "tcsh"}

// DefaultPatterns are always in force. Handlers run argv directly, so
// shells and privilege escalation tools are refused outright.
var DefaultPatterns = Patterns{
	Programs: append(append([]string(nil), shells...),
		"sudo", "su", "doas", "pkexec", "env", "xargs",
	),
	Commands: []string{
		"rm -rf /",
		"rm -rf ~",
		"dd if=/dev/zero",
		":(){ :|:& };:",
		"mkfs.",
		"> /dev/sda",
		"chmod -r 777 /",
		"git push --force",
		"git push -f",
		"printenv",
		"/proc/self/environ",
	},
}
