package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/promptflow/internal/binder"
	"github.com/rendis/promptflow/internal/dryrun"
	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/internal/suggest"
	"github.com/rendis/promptflow/internal/validation"
)

// FlowServerDeps holds the dependencies for creating a FlowServer. Only
// Store is required; the rest default to the built-in implementations.
type FlowServerDeps struct {
	Store     store.Store
	Executor  binder.Executor
	Validator *validation.FlowValidator
	Checker   graph.ConnectionChecker
	Suggest   *suggest.Engine
	IDs       graph.IDProvider
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with prompt-flow tool handlers.
type FlowServer struct {
	store     store.Store
	events    *store.EventLog
	executor  binder.Executor
	validator *validation.FlowValidator
	checker   graph.ConnectionChecker
	suggest   *suggest.Engine
	ids       graph.IDProvider
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with every flow tool registered.
func NewFlowServer(deps FlowServerDeps) (*FlowServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		store:     deps.Store,
		events:    store.NewEventLog(deps.Store),
		executor:  deps.Executor,
		validator: deps.Validator,
		checker:   deps.Checker,
		suggest:   deps.Suggest,
		ids:       deps.IDs,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}
	if s.validator == nil {
		v, err := validation.NewFlowValidator(nil, nil)
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	if s.executor == nil {
		opts := []dryrun.Option{dryrun.WithAppender(deps.Store), dryrun.WithLogger(logger)}
		if s.hub != nil {
			opts = append(opts, dryrun.WithHub(s.hub))
		}
		s.executor = dryrun.New(deps.Store, opts...)
	}
	if s.suggest == nil {
		s.suggest = suggest.NewEngine(suggest.DefaultRuleSet())
	}
	if s.ids == nil {
		s.ids = graph.UUIDProvider{}
	}

	mcpSrv := server.NewMCPServer(
		"promptflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Promptflow edits and runs prompt flows. Use flow.save and flow.get to persist documents, flow.connect and flow.suggest to grow a flow, flow.variables to see its inputs, flow.run to bind variables and execute, and flow.history or flow.diagram to inspect executions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Hub events are forwarded to the client session that last touched
// their flow.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		fwd := NewMCPNotifier(s.mcpServer, s.sessions)
		go fwd.Forward(ctx, s.hub, s.logger)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: connectTool(), Handler: s.handleConnect},
		{Tool: suggestTool(), Handler: s.handleSuggest},
		{Tool: variablesTool(), Handler: s.handleVariables},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func saveTool() mcp.Tool {
	return mcp.NewTool("flow.save",
		mcp.WithDescription("Validate and persist a prompt flow document"),
		mcp.WithObject("flow", mcp.Required(), mcp.Description("PromptFlow document with id, name, nodes and edges")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("flow.get",
		mcp.WithDescription("Load a saved prompt flow"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flow.list",
		mcp.WithDescription("List saved prompt flows"),
		mcp.WithString("name_contains", mcp.Description("Only flows whose name contains this text")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of flows to return")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Run the validation pipeline on a flow document or a saved flow"),
		mcp.WithObject("flow", mcp.Description("PromptFlow document to validate")),
		mcp.WithString("flow_id", mcp.Description("ID of a saved flow to validate")),
	)
}

func connectTool() mcp.Tool {
	return mcp.NewTool("flow.connect",
		mcp.WithDescription("Check a candidate connection between two nodes and optionally add it"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source node ID")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target node ID")),
		mcp.WithString("source_handle", mcp.Description("Source handle")),
		mcp.WithString("target_handle", mcp.Description("Target handle")),
		mcp.WithBoolean("apply", mcp.Description("Add the edge and save the flow when the connection is allowed")),
	)
}

func suggestTool() mcp.Tool {
	return mcp.NewTool("flow.suggest",
		mcp.WithDescription("Suggest nodes to connect after a node, best first"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the source node")),
	)
}

func variablesTool() mcp.Tool {
	return mcp.NewTool("flow.variables",
		mcp.WithDescription("List the variables a flow declares or references"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Bind variable values and execute a saved flow"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
		mcp.WithObject("values", mcp.Description("Raw variable values keyed by variable name")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("flow.history",
		mcp.WithDescription("Replay the event log of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render a flow as a Mermaid flowchart or PNG image, optionally overlaid with an execution"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
		mcp.WithString("format", mcp.Description("Output format, mermaid by default"), mcp.Enum("mermaid", "image")),
		mcp.WithString("execution_id", mcp.Description("Execution whose recorded node events are overlaid")),
	)
}
