package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/app"
	"github.com/ppiankov/actiongate/internal/config"
)

// Exit codes beyond 0 and 1.
const (
	exitRefused = 77 // request refused by a gate
	exitConfig  = 78 // EX_CONFIG
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "actiongate",
	Short:         "Policy gate between planners and the actions they may take",
	Long:          "Validates every proposed action against a static policy, applies rate limits,\nconfirmation challenges, resource guards and a kill switch, then dispatches\nto a bound handler and writes a hash-chained audit record.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.actiongate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logger.level (debug|info|warn|error)")
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	return cfg, nil
}

// buildApp loads configuration and wires the engine. Any policy or binding
// error aborts with EX_CONFIG.
func buildApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	a, err := app.Build(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, &exitError{code: exitConfig, err: err}
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Error("close", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
