package guard

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/audit"
)

// LockdownEvent is the security event recorded by EmergencyLockdown.
const LockdownEvent = "guard_lockdown"

// LockdownResult reports what a lockdown did.
type LockdownResult struct {
	Success      bool     `json:"success"`
	ActionsTaken []string `json:"actions_taken"`
	Errors       []string `json:"errors,omitempty"`
}

// EmergencyLockdown pauses execution, unmounts the protected volume and
// records a critical security event. Pausing happens first so no action
// can slip through while the unmount runs.
func (g *Guard) EmergencyLockdown(ctx context.Context) LockdownResult {
	res := LockdownResult{ActionsTaken: []string{}}

	if g.pauser != nil {
		st := g.pauser.Pause()
		res.ActionsTaken = append(res.ActionsTaken, "execution state: "+st.String())
	} else {
		res.Errors = append(res.Errors, "no kill switch attached")
	}

	if vol := g.rules.Volume; vol != "" {
		mounted, err := g.probe.Mounted(vol)
		if err != nil {
			g.logger.Warn("mount probe failed during lockdown", zap.Error(err))
		}
		if mounted {
			uctx, cancel := context.WithTimeout(ctx, g.lockdownTimeout)
			taken, err := g.unmounter.Unmount(uctx, vol)
			cancel()
			res.ActionsTaken = append(res.ActionsTaken, taken...)
			if err != nil {
				res.Errors = append(res.Errors, "unmount "+vol+": "+err.Error())
			}
		} else {
			res.ActionsTaken = append(res.ActionsTaken, "volume not mounted: "+vol)
		}
	}

	res.Success = len(res.Errors) == 0

	details := map[string]string{
		"actions_taken": strings.Join(res.ActionsTaken, "; "),
		"success":       strconv.FormatBool(res.Success),
	}
	if len(res.Errors) > 0 {
		details["errors"] = strings.Join(res.Errors, "; ")
	}
	if g.recorder != nil {
		g.recorder.RecordSecurityEvent(LockdownEvent, audit.SeverityCritical, "emergency lockdown", details)
	}

	g.logger.Error("emergency lockdown",
		zap.Bool("success", res.Success),
		zap.Strings("actions", res.ActionsTaken),
		zap.Strings("errors", res.Errors))
	return res
}
