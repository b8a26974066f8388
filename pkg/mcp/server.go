// Package mcp exposes chain execution to agents over the Model Context
// Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// ChainStore is the subset of store.Store the tools read and write.
type ChainStore interface {
	PutChain(ctx context.Context, c *store.Chain) error
	GetChain(ctx context.Context, id string) (*store.Chain, error)
	ListChains(ctx context.Context, filter store.ChainFilter) ([]*store.Chain, error)
	GetRun(ctx context.Context, id string) (*schema.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.RunRecord, error)
}

// Executor runs chains. Satisfied by *engine.Engine.
type Executor interface {
	ExecuteChain(ctx context.Context, chain *schema.ChainConfig, vars map[string]any, userID string) (*schema.ExecutionContext, error)
}

// Validator checks a chain before it is stored. Satisfied by
// *validation.Validator.
type Validator interface {
	ValidateChain(chain *schema.ChainConfig) error
}

// ServerDeps holds the collaborators of a Server.
type ServerDeps struct {
	Executor  Executor
	Store     ChainStore
	Validator Validator
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with the chainflow tool handlers.
type Server struct {
	executor  Executor
	store     ChainStore
	validator Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor:  deps.Executor,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}
	s.mcpServer = server.NewMCPServer(
		"chainflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chainflow runs prompt chains: ordered steps that call LLMs, databases and HTTP APIs over a shared variable bag. "+
			"Use chainflow.define to store a chain, chainflow.run to execute a stored or inline chain, "+
			"chainflow.status to read a run record and chainflow.query to list chains and runs."),
	)
	s.mcpServer.AddTools(s.tools()...)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("chainflow.run",
		mcp.WithDescription("Execute a stored chain or an inline chain definition"),
		mcp.WithString("chain_id", mcp.Description("ID of a stored chain")),
		mcp.WithObject("definition", mcp.Description("Inline chain definition, used when chain_id is absent")),
		mcp.WithObject("variables", mcp.Description("Initial variables of the run")),
		mcp.WithString("user_id", mcp.Description("User the run is attributed to")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chainflow.status",
		mcp.WithDescription("Get the persisted record of a chain run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("chainflow.define",
		mcp.WithDescription("Validate and store a chain definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Chain definition with id, name and steps")),
		mcp.WithString("description", mcp.Description("Chain description")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("chainflow.query",
		mcp.WithDescription("List stored chains or chain runs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("chains", "runs"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (chain_id, workspace_id, status, since, limit)")),
	)
}
