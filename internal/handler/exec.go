package handler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/actiongate/internal/cmdguard"
)

// ExitTempFail is the sysexits code for a temporary failure; handlers
// exiting with it are reported as retryable.
const ExitTempFail = 75

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Binding is a configured command for one action.
type Binding struct {
	Command []string `mapstructure:"command" yaml:"command" json:"command"`
	Workdir string   `mapstructure:"workdir" yaml:"workdir" json:"workdir,omitempty"`
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// ExecHandler runs an argv template. Each "{name}" in a token is replaced
// with the argument value; no shell is involved, so a value can never
// become more than the token it was placed in. A token that is only a
// placeholder for an absent optional argument is dropped.
type ExecHandler struct {
	template []string
	dir      string
	runner   *cmdguard.Runner
}

// NewExecHandler vets the template against the runner's denylist.
func NewExecHandler(runner *cmdguard.Runner, b Binding) (*ExecHandler, error) {
	if runner == nil {
		runner = cmdguard.New()
	}
	if len(b.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if placeholderRe.MatchString(b.Command[0]) {
		return nil, fmt.Errorf("program %q must not contain placeholders", b.Command[0])
	}
	if err := runner.Vet(b.Command); err != nil {
		return nil, err
	}
	return &ExecHandler{
		template: append([]string(nil), b.Command...),
		dir:      b.Workdir,
		runner:   runner,
	}, nil
}

// Placeholders returns the distinct argument names the template uses.
func (h *ExecHandler) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range h.template {
		for _, m := range placeholderRe.FindAllStringSubmatch(tok, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// Expand substitutes args into the template.
func (h *ExecHandler) Expand(args map[string]any) []string {
	argv := make([]string, 0, len(h.template))
	for _, tok := range h.template {
		if m := placeholderRe.FindStringSubmatch(tok); m != nil && m[0] == tok {
			v, ok := args[m[1]]
			if !ok || v == nil {
				continue
			}
			argv = append(argv, fmt.Sprint(v))
			continue
		}
		argv = append(argv, placeholderRe.ReplaceAllStringFunc(tok, func(p string) string {
			v, ok := args[p[1:len(p)-1]]
			if !ok || v == nil {
				return ""
			}
			return fmt.Sprint(v)
		}))
	}
	return argv
}

// Handle runs the expanded command.
func (h *ExecHandler) Handle(ctx context.Context, args map[string]any) (any, error) {
	argv := h.Expand(args)
	res, err := h.runner.Run(ctx, cmdguard.Command{Argv: argv, Dir: h.dir})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		exitErr := &ExitError{Command: argv[0], ExitCode: res.ExitCode, Stderr: res.Stderr}
		if res.ExitCode == ExitTempFail {
			return res, Retryable(exitErr)
		}
		return res, exitErr
	}
	return res, nil
}
