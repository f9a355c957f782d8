package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aromcp/workflow-mcp/internal/engine"
	"github.com/aromcp/workflow-mcp/internal/store"
	"github.com/aromcp/workflow-mcp/pkg/loader"
)

// WorkflowServerDeps holds the dependencies for creating a WorkflowServer.
type WorkflowServerDeps struct {
	Executor *engine.Executor
	Store    store.Store
	Loader   *loader.Loader
	Logger   *slog.Logger
}

// WorkflowServer wraps an MCP server with the workflow tool handlers.
type WorkflowServer struct {
	executor  *engine.Executor
	store     store.Store
	loader    *loader.Loader
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewWorkflowServer creates a WorkflowServer with all 8 tools registered.
func NewWorkflowServer(deps WorkflowServerDeps) *WorkflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &WorkflowServer{
		executor: deps.Executor,
		store:    deps.Store,
		loader:   deps.Loader,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"workflow-mcp",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("workflow-mcp executes declarative YAML workflows through a polling protocol. Start a workflow with workflow.start, then loop: workflow.get_next_step returns the client-side steps to perform, and workflow.step_complete acknowledges each one. parallel_foreach steps fan out into sub-agent tasks; drive those with workflow.get_next_sub_agent_step and workflow.execute_sub_agent_step."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WorkflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WorkflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 8 registered MCP tools as ServerTool entries.
func (s *WorkflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: getNextStepTool(), Handler: s.handleGetNextStep},
		{Tool: stepCompleteTool(), Handler: s.handleStepComplete},
		{Tool: updateStateTool(), Handler: s.handleUpdateState},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: getNextSubAgentStepTool(), Handler: s.handleGetNextSubAgentStep},
		{Tool: executeSubAgentStepTool(), Handler: s.handleExecuteSubAgentStep},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a workflow from inline YAML or a stored definition"),
		mcp.WithString("workflow_yaml", mcp.Description("Inline workflow definition in YAML")),
		mcp.WithString("name", mcp.Description("Name of a stored workflow definition (alternative to workflow_yaml)")),
		mcp.WithString("version", mcp.Description("Stored definition version (default: latest)")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow's declared inputs")),
		mcp.WithBoolean("register", mcp.Description("Store an inline definition for later reuse")),
	)
}

func getNextStepTool() mcp.Tool {
	return mcp.NewTool("workflow.get_next_step",
		mcp.WithDescription("Advance a workflow and return the next client-side steps to perform"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to advance")),
	)
}

func stepCompleteTool() mcp.Tool {
	return mcp.NewTool("workflow.step_complete",
		mcp.WithDescription("Acknowledge a client-side step's outcome"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the acknowledged step")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("success", "failed"),
			mcp.Description("Step outcome"),
		),
		mcp.WithObject("result", mcp.Description("Step result, bound as 'result' in declared state updates")),
	)
}

func updateStateTool() mcp.Tool {
	return mcp.NewTool("workflow.update_state",
		mcp.WithDescription("Apply state updates to a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithArray("updates", mcp.Required(),
			mcp.Description("Update entries: {path, value, operation?} with operation one of set, increment, append, merge"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get a workflow's status, state snapshot, and optional event history"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
		mcp.WithBoolean("include_history", mcp.Description("Include the recorded event history")),
	)
}

func getNextSubAgentStepTool() mcp.Tool {
	return mcp.NewTool("workflow.get_next_sub_agent_step",
		mcp.WithDescription("Advance a sub-agent task, or claim newly admitted tasks for an execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the parent workflow")),
		mcp.WithString("task_id", mcp.Description("Sub-agent task to advance")),
		mcp.WithString("execution_id", mcp.Description("Claim the next available tasks of this parallel execution instead")),
	)
}

func executeSubAgentStepTool() mcp.Tool {
	return mcp.NewTool("workflow.execute_sub_agent_step",
		mcp.WithDescription("Acknowledge a sub-agent task step's outcome"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the parent workflow")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the sub-agent task")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the acknowledged step")),
		mcp.WithString("status", mcp.Description("Step outcome (default: success)"), mcp.Enum("success", "failed")),
		mcp.WithObject("result", mcp.Description("Step result, bound as 'result' in declared state updates")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List running workflows, stored run records, or registered definitions"),
		mcp.WithString("resource",
			mcp.Enum("running", "runs", "definitions"),
			mcp.Description("What to list (default: running)"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, name, since, limit)")),
	)
}
