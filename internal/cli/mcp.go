package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	agmcp "github.com/ppiankov/actiongate/internal/mcp"
)

var mcpAgent string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", "mcp", "Agent identifier recorded for every request")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for planner integration",
	Long: "Runs the engine as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: submit, check, pending, status, pause.\n" +
		"Challenges are confirmed by an operator with the HTTP API or `actiongate submit`.\n" +
		"Logs go to stderr; stdout carries the protocol.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)
	return agmcp.New(a, agmcp.Config{AgentID: mcpAgent, Version: version}).Run(ctx)
}
