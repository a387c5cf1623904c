package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/actiongate/internal/app"
	"github.com/ppiankov/actiongate/internal/cmdguard"
	"github.com/ppiankov/actiongate/internal/executor"
)

var (
	submitArgsJSON string
	submitTrigger  string
	submitAgent    string
	submitDryRun   bool
	submitYes      bool
	submitFormat   string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitArgsJSON, "args", "", "Arguments as a JSON object (merged under key=value pairs)")
	submitCmd.Flags().StringVar(&submitTrigger, "trigger", "cli", "Trigger recorded in the audit log")
	submitCmd.Flags().StringVar(&submitAgent, "agent", "operator", "Agent recorded in the audit log")
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "Run every gate without executing or auditing")
	submitCmd.Flags().BoolVarP(&submitYes, "yes", "y", false, "Answer yes to a confirmation challenge without prompting")
	submitCmd.Flags().StringVarP(&submitFormat, "format", "f", "text", "Output format (text|json)")
}

var submitCmd = &cobra.Command{
	Use:   "submit <action> [key=value...]",
	Short: "Submit one action through every gate",
	Long: "Runs the action in-process with the configured policy and handlers.\n" +
		"Guarded actions prompt for confirmation on stdin unless --yes is set.\n" +
		"Exit code 77 indicates the request was refused.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := parseSubmit(args)
	if err != nil {
		return err
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := submitOnce(ctx, a, req, cmd.InOrStdin(), cmd.ErrOrStderr())
	if err := printOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), out); err != nil {
		return err
	}
	if !out.Success {
		return &exitError{code: exitRefused}
	}
	return nil
}

// submitOnce submits req and, when a challenge is issued, resolves it from
// the operator's answer and resubmits.
func submitOnce(ctx context.Context, a *app.App, req executor.Request, in io.Reader, prompt io.Writer) executor.Outcome {
	if submitDryRun {
		return a.Executor.Check(req)
	}
	out := a.Executor.Submit(ctx, req)
	if !out.ConfirmationRequired() {
		return out
	}

	answer := "yes"
	if !submitYes {
		fmt.Fprintf(prompt, "%s requires confirmation (challenge %s). Type yes to proceed: ", req.Action, out.ChallengeID)
		line, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.TrimSpace(line)
		if answer == "" {
			answer = "no"
		}
	}
	req.ChallengeID = out.ChallengeID
	req.Response = answer
	return a.Executor.Submit(ctx, req)
}

func parseSubmit(args []string) (executor.Request, error) {
	req := executor.Request{
		Action:  args[0],
		Args:    map[string]any{},
		Trigger: submitTrigger,
		Agent:   submitAgent,
	}
	if submitArgsJSON != "" {
		if err := json.Unmarshal([]byte(submitArgsJSON), &req.Args); err != nil {
			return req, fmt.Errorf("--args: %w", err)
		}
	}
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("argument %q is not key=value", kv)
		}
		req.Args[k] = v
	}
	return req, nil
}

func printOutcome(w, errw io.Writer, out executor.Outcome) error {
	if submitFormat == "json" {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	if out.Success {
		if out.DryRun {
			fmt.Fprintf(w, "OK (dry run): %s would run\n", out.Action)
			return nil
		}
		switch r := out.Result.(type) {
		case nil:
			fmt.Fprintf(w, "OK: %s\n", out.Action)
		case string:
			printText(w, r)
		case *cmdguard.Result:
			printText(w, r.Stdout)
			if r.Stderr != "" {
				printText(errw, r.Stderr)
			}
		default:
			data, _ := json.MarshalIndent(r, "", "  ")
			fmt.Fprintln(w, string(data))
		}
		return nil
	}

	fmt.Fprintf(errw, "REFUSED: %v\n", out.Err())
	for _, v := range out.Violations {
		fmt.Fprintf(errw, "  %s\n", v)
	}
	if out.RetryAfterSeconds > 0 {
		fmt.Fprintf(errw, "  retry after %ds\n", out.RetryAfterSeconds)
	}
	return nil
}

func printText(w io.Writer, s string) {
	if s == "" {
		return
	}
	fmt.Fprint(w, s)
	if !strings.HasSuffix(s, "\n") {
		fmt.Fprintln(w)
	}
}
