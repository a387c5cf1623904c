package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/actiongate/internal/config"
	"github.com/ppiankov/actiongate/internal/denylist"
	"github.com/ppiankov/actiongate/internal/policy"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initPolicyCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.actiongate)")
	initPolicyCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initPolicyCmd)
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Write a starter policy, config and denylist",
	Long: `Creates the config directory with a commented policy.yaml, config.yaml
and denylist.yaml. Existing files are kept unless --force is given.

The starter policy binds no handlers except the built-in get_status.
Add argv templates under handlers: in config.yaml to make actions run.`,
	RunE: runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = config.Dir()
	}

	denylistContent, err := defaultDenylistYAML()
	if err != nil {
		return fmt.Errorf("generate default denylist: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"policy.yaml", policy.DefaultPolicyYAML()},
		{"config.yaml", config.DefaultYAML()},
		{"denylist.yaml", denylistContent},
	}

	var created []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			created = append(created, path)
		}
	}

	out := cmd.OutOrStdout()
	if len(created) == 0 {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
		return nil
	}
	fmt.Fprintln(out, "Created:")
	for _, path := range created {
		fmt.Fprintf(out, "  %s\n", path)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Validate:")
	fmt.Fprintln(out, "  actiongate policy validate")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultDenylistYAML generates a commented default denylist.yaml.
func defaultDenylistYAML() (string, error) {
	data, err := yaml.Marshal(denylist.DefaultPatterns)
	if err != nil {
		return "", err
	}
	header := "# actiongate denylist, merged over the built-in patterns.\n" +
		"# programs: matched against the executable name of every handler.\n" +
		"# commands: substring match against bound argv templates.\n" +
		"#\n" +
		"# Point executor.denylist_path in config.yaml at this file to use it.\n\n"
	return header + string(data), nil
}
