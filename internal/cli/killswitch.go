package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/actiongate/internal/killswitch"
)

func init() {
	rootCmd.AddCommand(killswitchCmd)
	for _, op := range []struct {
		use, short string
		apply      func(*killswitch.Switch) killswitch.State
	}{
		{"pause", "Pause the engine (running -> paused)", (*killswitch.Switch).Pause},
		{"resume", "Resume a paused engine (paused -> running)", (*killswitch.Switch).Resume},
		{"kill", "Kill the engine (any -> killed)", (*killswitch.Switch).Kill},
		{"reset", "Reset a killed engine (killed -> running)", (*killswitch.Switch).Reset},
	} {
		apply := op.apply
		killswitchCmd.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSwitch(cmd, apply)
			},
		})
	}
	killswitchCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the persisted kill switch state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwitch(cmd, nil)
		},
	})
}

var killswitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Operate the kill switch state file",
	Long: "Reads and writes the kill switch state file. A running engine watches\n" +
		"the file and applies changes within a second. reset is only available here,\n" +
		"never over the API or MCP.",
}

func runSwitch(cmd *cobra.Command, apply func(*killswitch.Switch) killswitch.State) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sw := killswitch.New(killswitch.WithStateFile(cfg.KillSwitch.StatePath))
	before := sw.State()
	if apply != nil {
		apply(sw)
	}
	st := sw.Status()

	out := map[string]any{
		"state":      st.State,
		"since":      st.Since.UTC().Format(time.RFC3339),
		"state_file": cfg.KillSwitch.StatePath,
	}
	if apply != nil {
		out["previous"] = before.String()
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
