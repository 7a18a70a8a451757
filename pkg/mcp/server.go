package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/defiflow/internal/engine"
	"github.com/rendis/defiflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Dispatcher *engine.Dispatcher
	Reader     *engine.StatusReader
	// FSM delivers completion notifications for chats started from a
	// session. Optional.
	FSM       *engine.ExecutionFSM
	Validator validation.Validator
	Logger     *slog.Logger
	// DefaultWallet is used for chats without a wallet address.
	DefaultWallet string
}

// Server wraps an MCP server with defiflow tool handlers.
type Server struct {
	dispatcher    *engine.Dispatcher
	reader        *engine.StatusReader
	validator     validation.Validator
	logger        *slog.Logger
	defaultWallet string
	mcpServer     *server.MCPServer

	sessions *SessionRegistry
	notifier Notifier

	// watched maps execution ID to the user awaiting its completion.
	watched sync.Map
	closed  atomic.Bool
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		dispatcher:    deps.Dispatcher,
		reader:        deps.Reader,
		validator:     deps.Validator,
		logger:        logger,
		defaultWallet: deps.DefaultWallet,
		sessions:      NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"defiflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("defiflow runs DeFi multi-agent chat workflows (orchestrator, defi_agent, risk_agent, prediction_agent). Use defiflow.chat to start one; it returns immediately with an execution_id. Poll defiflow.status until status is COMPLETED or FAILED, use defiflow.list to browse executions and defiflow.cancel to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	if deps.FSM != nil {
		for _, t := range terminalTransitions {
			deps.FSM.OnTransition(t[0], t[1], s.executionFinished)
		}
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Close stops sending completion notifications.
func (s *Server) Close() {
	s.closed.Store(true)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: chatTool(), Handler: s.handleChat},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}
