// Package mcpserver exposes session pipelines as MCP tools over stdio or
// HTTP/SSE.
package mcpserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/nma-pipeline/internal/pipeline"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Tool names
const (
	toolUpload      = "project.upload"
	toolStatus      = "pipeline.status"
	toolCommit      = "pipeline.commit"
	toolReset       = "project.reset"
	toolSave        = "project.save"
	toolLoad        = "project.load"
	toolSetTitle    = "project.set_title"
	toolSetProtocol = "project.set_protocol_link"
	toolTaskStatus  = "task.status"
)

// Argument names
const (
	argSessionID = "session_id"
	argDataset   = "dataset"
	argDemo      = "demo_outcomes"
	argWait      = "wait"
	argFormat    = "format"
	argDocument  = "document"
	argTitle     = "title"
	argLink      = "link"
	argTaskID    = "task_id"
)

const defaultSessionID = "default"

// TaskLister reports the in-flight tasks of a session's stages
type TaskLister interface {
	Tasks(sessionID string) map[types.StageID]string
}

// TaskInspector looks up a queued task
type TaskInspector interface {
	Task(ctx context.Context, taskID string) (*taskqueue.TaskInfo, error)
}

// Config holds configuration for the MCP server
type Config struct {
	Name    string
	Version string
	// WaitTimeout bounds tool calls that wait for the pipeline to settle
	WaitTimeout time.Duration
}

// MCPServer wraps the mcp-go server with the pipeline tools
type MCPServer struct {
	server *server.MCPServer
	host   *pipeline.Host
	tasks  TaskLister
	queue  TaskInspector
	audit  *AuditLogger
	cfg    Config
	logger *slog.Logger
}

// Option configures an MCPServer
type Option func(*MCPServer)

// WithTasks enables task reporting for async execution
func WithTasks(lister TaskLister, inspector TaskInspector) Option {
	return func(ms *MCPServer) {
		ms.tasks, ms.queue = lister, inspector
	}
}

// New creates the MCP server and registers its tools
func New(cfg Config, host *pipeline.Host, logger *slog.Logger, opts ...Option) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	ms := &MCPServer{
		server: server.NewMCPServer(
			cfg.Name,
			cfg.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		host:   host,
		audit:  NewAuditLogger(logger),
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(ms)
	}
	ms.registerTools()
	return ms
}

func sessionArg() mcp.ToolOption {
	return mcp.WithString(argSessionID,
		mcp.Description("Session to act on; defaults to the connection's session"),
	)
}

func waitArg() mcp.ToolOption {
	return mcp.WithBoolean(argWait,
		mcp.Description("Block until every stage has settled"),
	)
}

// registerTools registers all MCP tools with handlers
func (ms *MCPServer) registerTools() {
	ms.server.AddTool(mcp.NewTool(toolUpload,
		mcp.WithDescription("Upload a network meta-analysis dataset and start the analysis stages"),
		sessionArg(),
		mcp.WithString(argDataset,
			mcp.Description("Dataset as JSON: number_outcomes, outcome_names, effect_modifiers, rows"),
		),
		mcp.WithNumber(argDemo,
			mcp.Description("Upload the built-in demo dataset with this many outcomes instead"),
		),
		waitArg(),
	), ms.handleUpload)

	ms.server.AddTool(mcp.NewTool(toolStatus,
		mcp.WithDescription("Show the status of every analysis stage and the commit state"),
		sessionArg(),
		mcp.WithString(argFormat,
			mcp.Description("json (default) or table"),
			mcp.Enum("json", "table"),
		),
	), ms.handleStatus)

	ms.server.AddTool(mcp.NewTool(toolCommit,
		mcp.WithDescription("Publish the current results once every stage is done"),
		sessionArg(),
	), ms.handleCommit)

	ms.server.AddTool(mcp.NewTool(toolReset,
		mcp.WithDescription("Reset the project to an empty state"),
		sessionArg(),
		waitArg(),
	), ms.handleReset)

	ms.server.AddTool(mcp.NewTool(toolSave,
		mcp.WithDescription("Export the project as a JSON document"),
		sessionArg(),
	), ms.handleSave)

	ms.server.AddTool(mcp.NewTool(toolLoad,
		mcp.WithDescription("Replace the project with a saved JSON document"),
		sessionArg(),
		mcp.WithString(argDocument,
			mcp.Required(),
			mcp.Description("Project document as produced by project.save"),
		),
		waitArg(),
	), ms.handleLoad)

	ms.server.AddTool(mcp.NewTool(toolSetTitle,
		mcp.WithDescription("Set the project title"),
		sessionArg(),
		mcp.WithString(argTitle, mcp.Required(), mcp.Description("Title, 3 to 200 characters")),
	), ms.handleSetTitle)

	ms.server.AddTool(mcp.NewTool(toolSetProtocol,
		mcp.WithDescription("Set the protocol link (URL or DOI)"),
		sessionArg(),
		mcp.WithString(argLink, mcp.Required(), mcp.Description("http(s) URL, bare domain or DOI")),
	), ms.handleSetProtocolLink)

	if ms.queue != nil {
		ms.server.AddTool(mcp.NewTool(toolTaskStatus,
			mcp.WithDescription("Show the state of a queued stage task"),
			mcp.WithString(argTaskID, mcp.Required(), mcp.Description("Task ID")),
		), ms.handleTaskStatus)
	}
}

// sessionID picks the explicit argument, then the transport's session
func (ms *MCPServer) sessionID(ctx context.Context, request mcp.CallToolRequest) string {
	if id := request.GetString(argSessionID, ""); id != "" {
		return id
	}
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return cs.SessionID()
	}
	return defaultSessionID
}

// pipelineFor opens the caller's session pipeline and audits the call
func (ms *MCPServer) pipelineFor(ctx context.Context, request mcp.CallToolRequest, tool string) (*pipeline.Pipeline, error) {
	id := ms.sessionID(ctx, request)
	ms.audit.LogToolCall(ctx, &AuditEntry{SessionID: id, ToolName: tool, Arguments: request.GetArguments()})
	p, err := ms.host.Get(ctx, id)
	if err != nil {
		ms.audit.LogToolResult(ctx, &AuditEntry{SessionID: id, ToolName: tool, ErrorMsg: err.Error()})
		return nil, err
	}
	return p, nil
}

// waitIdle blocks until p settles when the caller asked for it
func (ms *MCPServer) waitIdle(ctx context.Context, request mcp.CallToolRequest, p *pipeline.Pipeline) error {
	if !request.GetBool(argWait, false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ms.cfg.WaitTimeout)
	defer cancel()
	return p.WaitIdle(ctx)
}

// Server returns the underlying mcp-go server for serving
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}
