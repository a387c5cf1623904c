package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(guardCmd)
	guardCmd.AddCommand(guardStatusCmd)
	guardCmd.AddCommand(guardLockdownCmd)
}

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Sensitive-resource guard operations",
}

var guardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show guard rules and whether the protected volume is mounted",
	Args:  cobra.NoArgs,
	RunE:  runGuardStatus,
}

var guardLockdownCmd = &cobra.Command{
	Use:   "lockdown",
	Short: "Pause the engine and unmount the protected volume",
	Long: "Emergency lockdown: pauses the kill switch, then tries to unmount the\n" +
		"protected volume, escalating to a forced unmount. The result is audited.\n" +
		"Exits 1 if any step failed.",
	Args: cobra.NoArgs,
	RunE: runGuardLockdown,
}

func runGuardStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	data, err := json.MarshalIndent(map[string]any{
		"rules":  a.Guard.Rules(),
		"status": a.Guard.Status(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runGuardLockdown(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	res := a.Guard.EmergencyLockdown(cmd.Context())
	data, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if !res.Success {
		return &exitError{code: 1}
	}
	return nil
}
