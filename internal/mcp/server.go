// Package mcp exposes the engine to planners as MCP tools over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/app"
)

// Config holds MCP server configuration.
type Config struct {
	// AgentID is stamped on every submitted request.
	AgentID string
	Version string
}

// Server wraps the MCP SDK server around an engine.
type Server struct {
	mcpServer *mcpsdk.Server
	app       *app.App
	agentID   string
	logger    *zap.Logger
}

// New creates an MCP server with all tools registered.
func New(a *app.App, cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	agent := cfg.AgentID
	if agent == "" {
		agent = "mcp"
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		app:     a,
		agentID: agent,
		logger:  logger.Named("mcp"),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "actiongate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio. Blocks until ctx is cancelled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves on an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// registerTools registers the planner's tools. Challenges are answered
// only by an operator over HTTP or the CLI, so there is no confirm tool.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "actiongate_submit",
		Description: "Submit an action for policy validation and execution. Guarded actions return a challenge_id; resubmit with it once an operator has confirmed.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "actiongate_check",
		Description: "Evaluate an action against every gate without executing it, auditing it, or consuming rate quota.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "actiongate_pending",
		Description: "List confirmation challenges that have not expired, so the planner can tell when one has been confirmed.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "actiongate_status",
		Description: "Report kill switch state, policy hash, bound actions and guard status.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "actiongate_pause",
		Description: "Pause the engine. Only an operator can resume it.",
	}, s.handlePause)
}
