package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/actiongate/internal/policy"
)

var (
	listRisk   int
	listFormat string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyListCmd)
	policyListCmd.Flags().IntVar(&listRisk, "risk", -1, "Only list actions of this risk tier (0-3)")
	policyListCmd.Flags().StringVarP(&listFormat, "format", "f", "text", "Output format (text|json)")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the policy document",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Load and type-check a policy document",
	Long:  "Parses the policy exactly as startup does and checks the configured\nhandler bindings against it. Exits 78 on any error.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyValidate,
}

var policyListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List actions in the policy",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyList,
}

// policyListing is one action in `policy list -f json`.
type policyListing struct {
	Name            string   `json:"name"`
	Risk            int      `json:"risk"`
	Tier            string   `json:"tier"`
	RateLimit       int      `json:"rate_limit"`
	RequiresConfirm bool     `json:"requires_confirm"`
	Args            []string `json:"args,omitempty"`
	Description     string   `json:"description,omitempty"`
}

func loadPolicyArg(args []string) (*policy.Document, []string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Policy.Path
	if len(args) == 1 {
		path = args[0]
	}
	doc, err := policy.LoadFile(path)
	if err != nil {
		return nil, nil, &exitError{code: exitConfig, err: err}
	}
	bound := make([]string, 0, len(cfg.Handlers))
	for name := range cfg.Handlers {
		bound = append(bound, name)
	}
	sort.Strings(bound)
	return doc, bound, nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	doc, bound, err := loadPolicyArg(args)
	if err != nil {
		return err
	}
	if err := doc.CheckBindings(bound); err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	counts := make([]string, 0, 4)
	for t := policy.TierSafe; t <= policy.TierCritical; t++ {
		counts = append(counts, fmt.Sprintf("%s=%d", t, len(doc.ByRisk(t))))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d actions (%s), %d bound\n%s\n",
		len(doc.Actions), strings.Join(counts, " "), len(bound), doc.Hash)
	return nil
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	if listRisk < -1 || listRisk > int(policy.TierCritical) {
		return fmt.Errorf("--risk must be between 0 and 3")
	}
	doc, _, err := loadPolicyArg(args)
	if err != nil {
		return err
	}

	var listing []policyListing
	for _, name := range doc.Names() {
		a := doc.Actions[name]
		if listRisk >= 0 && int(a.Risk) != listRisk {
			continue
		}
		l := policyListing{
			Name:            a.Name,
			Risk:            int(a.Risk),
			Tier:            a.Risk.String(),
			RateLimit:       a.RateLimit,
			RequiresConfirm: a.RequiresConfirm,
			Description:     a.Description,
		}
		for _, f := range a.Fields {
			arg := f.Name + ":" + string(f.Constraint.Kind())
			if f.Optional {
				arg += "?"
			}
			l.Args = append(l.Args, arg)
		}
		listing = append(listing, l)
	}

	out := cmd.OutOrStdout()
	if listFormat == "json" {
		data, err := json.MarshalIndent(listing, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tRISK\tRATE/H\tARGS\tDESCRIPTION")
	for _, l := range listing {
		rate := "-"
		if l.RateLimit > 0 {
			rate = fmt.Sprint(l.RateLimit)
		}
		fmt.Fprintf(w, "%s\t%d %s\t%s\t%s\t%s\n", l.Name, l.Risk, l.Tier, rate, strings.Join(l.Args, " "), l.Description)
	}
	return w.Flush()
}
