package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/ppiankov/actiongate/internal/cmdguard"
)

// Probe reports whether a volume is currently mounted. Implementations
// must not cache: each call inspects the live system.
type Probe interface {
	Mounted(volume string) (bool, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(volume string) (bool, error)

// Mounted calls f.
func (f ProbeFunc) Mounted(volume string) (bool, error) { return f(volume) }

// MountProbe detects a mount point by comparing the device of the volume
// directory with that of its parent. A probe error reports mounted.
type MountProbe struct{}

// Unmounter detaches a volume. It returns a description of each step taken.
type Unmounter interface {
	Unmount(ctx context.Context, volume string) ([]string, error)
}

// CommandUnmounter unmounts with the platform tool, escalating to a forced
// unmount when the first attempt fails.
type CommandUnmounter struct {
	runner *cmdguard.Runner
	goos   string
}

// NewCommandUnmounter creates an unmounter. A nil runner uses the default.
func NewCommandUnmounter(r *cmdguard.Runner) *CommandUnmounter {
	if r == nil {
		r = cmdguard.New()
	}
	return &CommandUnmounter{runner: r, goos: runtime.GOOS}
}

// ErrUnsupported is returned on platforms without an unmount tool.
var ErrUnsupported = errors.New("unmount not supported on this platform")

func (u *CommandUnmounter) attempts(volume string) [][]string {
	switch u.goos {
	case "darwin":
		return [][]string{
			{"diskutil", "unmount", volume},
			{"diskutil", "unmount", "force", volume},
		}
	case "linux", "freebsd", "openbsd", "netbsd":
		return [][]string{
			{"umount", volume},
			{"umount", "-l", volume},
		}
	default:
		return nil
	}
}

// Unmount runs each attempt until one exits zero.
func (u *CommandUnmounter) Unmount(ctx context.Context, volume string) ([]string, error) {
	attempts := u.attempts(volume)
	if len(attempts) == 0 {
		return nil, ErrUnsupported
	}

	var taken []string
	var lastErr error
	for _, argv := range attempts {
		res, err := u.runner.Run(ctx, cmdguard.Command{Argv: argv})
		switch {
		case err != nil:
			lastErr = err
		case res.ExitCode != 0:
			lastErr = fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, res.Stderr)
		default:
			return append(taken, fmt.Sprintf("unmounted %s (%s)", volume, argv[0])), nil
		}
		taken = append(taken, fmt.Sprintf("attempt failed: %v", lastErr))
		if ctx.Err() != nil {
			break
		}
	}
	return taken, lastErr
}
