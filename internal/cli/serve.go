package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/server"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local HTTP control API",
	Long: "Runs the engine behind an HTTP API for submitting actions, answering\n" +
		"confirmation challenges and operating the kill switch. Prometheus metrics\n" +
		"are served on /metrics. The policy is read once; restart to apply edits.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	srvCfg := a.Config.Server
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	srv := server.New(a, srvCfg)
	err = srv.Serve(ctx)
	a.Logger.Info("server stopped", zap.Error(err))
	return err
}
