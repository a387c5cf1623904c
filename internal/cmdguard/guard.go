// Package cmdguard runs external commands directly from an argv, without
// a shell, after screening the program against the denylist.
package cmdguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ppiankov/actiongate/internal/denylist"
)

// DefaultMaxOutput caps each captured stream, in bytes.
const DefaultMaxOutput = 64 << 10

// Command describes a single invocation.
type Command struct {
	Argv []string
	Dir  string
}

// Result captures subprocess execution outcome.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Redacted int    `json:"redacted,omitempty"`
}

// BlockedError is returned when the denylist refuses a command.
type BlockedError struct {
	Command string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked: %s", e.Reason)
}

// Option configures a Runner.
type Option func(*Runner)

// WithDenylist replaces the default denylist.
func WithDenylist(dl *denylist.Denylist) Option {
	return func(r *Runner) {
		if dl != nil {
			r.dl = dl
		}
	}
}

// WithMaxOutput caps each captured stream at n bytes.
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// Runner executes commands. It is safe for concurrent use.
type Runner struct {
	dl        *denylist.Denylist
	maxOutput int
}

// New creates a Runner with the default denylist.
func New(opts ...Option) *Runner {
	r := &Runner{dl: denylist.NewDefault(), maxOutput: DefaultMaxOutput}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Vet checks a full argv against every denylist category. It is meant
// for command templates before argument substitution.
func (r *Runner) Vet(argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	if blocked, reason := r.dl.IsBlocked(argv); blocked {
		return &BlockedError{Command: strings.Join(argv, " "), Reason: reason}
	}
	return nil
}

// Run executes cmd and waits for it. A non-zero exit status is reported
// in Result.ExitCode, not as an error. Output is scanned for secrets.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if blocked, reason := r.dl.BlocksProgram(cmd.Argv[0]); blocked {
		return nil, &BlockedError{Command: strings.Join(cmd.Argv, " "), Reason: reason}
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	stdout := &cappedBuffer{max: r.maxOutput}
	stderr := &cappedBuffer{max: r.maxOutput}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("run %s: %w", cmd.Argv[0], ctxErr)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", cmd.Argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	out, n1 := ScanOutput(stdout.String())
	errOut, n2 := ScanOutput(stderr.String())
	return &Result{
		Stdout:   out,
		Stderr:   errOut,
		ExitCode: exitCode,
		Redacted: n1 + n2,
	}, nil
}

// cappedBuffer keeps the first max bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...(truncated)"
	}
	return b.buf.String()
}
