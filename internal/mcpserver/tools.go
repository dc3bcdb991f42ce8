package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/format"
	"github.com/AltairaLabs/nma-pipeline/internal/pipeline"
	"github.com/AltairaLabs/nma-pipeline/internal/snapshot"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// UploadResponse is returned by project.upload
type UploadResponse struct {
	SessionID string           `json:"session_id"`
	Version   types.Version    `json:"version"`
	Outcomes  int              `json:"number_outcomes"`
	Studies   int              `json:"studies"`
	Status    *pipeline.Status `json:"status,omitempty"`
}

// StatusResponse is returned by pipeline.status
type StatusResponse struct {
	SessionID string `json:"session_id"`
	pipeline.Status
	Tasks map[types.StageID]string `json:"tasks,omitempty"`
}

// LoadResponse is returned by project.load
type LoadResponse struct {
	SessionID string `json:"session_id"`
	*snapshot.Summary
	Status *pipeline.Status `json:"status,omitempty"`
}

// TaskResponse is returned by task.status
type TaskResponse struct {
	TaskID         string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	Stage          types.StageID   `json:"stage"`
	TriggerVersion types.Version   `json:"trigger_version"`
	Status         string          `json:"status"`
	Progress       *types.Progress `json:"progress,omitempty"`
	RetryCount     int             `json:"retry_count"`
	Error          string          `json:"error,omitempty"`
}

// result wraps a handler's outcome into a tool result and audits it
func (ms *MCPServer) result(ctx context.Context, sessionID, tool string, start time.Time, v any, err error) (*mcp.CallToolResult, error) {
	entry := &AuditEntry{SessionID: sessionID, ToolName: tool, Duration: time.Since(start)}
	if err != nil {
		entry.ErrorMsg = err.Error()
		ms.audit.LogToolResult(ctx, entry)
		return mcp.NewToolResultError(err.Error()), nil
	}
	ms.audit.LogToolResult(ctx, entry)
	if s, ok := v.(string); ok {
		return mcp.NewToolResultText(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (ms *MCPServer) handleUpload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolUpload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	u, err := uploadArg(request)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolUpload, start, nil, err)
	}
	v, err := p.Upload(ctx, u)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolUpload, start, nil, err)
	}
	resp := &UploadResponse{SessionID: p.SessionID(), Version: v, Outcomes: u.NumberOutcomes, Studies: len(u.Rows)}
	if request.GetBool(argWait, false) {
		if err := ms.waitIdle(ctx, request, p); err != nil {
			return ms.result(ctx, p.SessionID(), toolUpload, start, nil, err)
		}
		st := p.Status()
		resp.Status = &st
	}
	return ms.result(ctx, p.SessionID(), toolUpload, start, resp, nil)
}

// uploadArg decodes the dataset argument or builds the demo dataset
func uploadArg(request mcp.CallToolRequest) (*dataset.Upload, error) {
	raw := request.GetString(argDataset, "")
	demo := request.GetInt(argDemo, 0)
	switch {
	case raw != "" && demo != 0:
		return nil, fmt.Errorf("%s and %s are mutually exclusive", argDataset, argDemo)
	case demo != 0:
		if demo < 1 || demo > dataset.MaxOutcomes {
			return nil, fmt.Errorf("%s must be between 1 and %d", argDemo, dataset.MaxOutcomes)
		}
		return dataset.Demo(demo), nil
	case raw == "":
		return nil, fmt.Errorf("one of %s or %s is required", argDataset, argDemo)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var u dataset.Upload
	if err := dec.Decode(&u); err != nil {
		return nil, fmt.Errorf("invalid dataset JSON: %w", err)
	}
	return &u, nil
}

func (ms *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolStatus)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st := p.Status()
	if request.GetString(argFormat, "json") == "table" {
		return ms.result(ctx, p.SessionID(), toolStatus, start, format.StatusTable(st, format.Markdown), nil)
	}
	resp := &StatusResponse{SessionID: p.SessionID(), Status: st}
	if ms.tasks != nil {
		resp.Tasks = ms.tasks.Tasks(p.SessionID())
	}
	return ms.result(ctx, p.SessionID(), toolStatus, start, resp, nil)
}

func (ms *MCPServer) handleCommit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolCommit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := p.Commit(ctx); err != nil {
		if errors.Is(err, pipeline.ErrNotReady) {
			err = fmt.Errorf("%w: wait for every stage to finish or fix the failed stages", err)
		}
		return ms.result(ctx, p.SessionID(), toolCommit, start, nil, err)
	}
	st := p.Status()
	return ms.result(ctx, p.SessionID(), toolCommit, start, &st, nil)
}

func (ms *MCPServer) handleReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolReset)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := p.Reset(ctx); err != nil {
		return ms.result(ctx, p.SessionID(), toolReset, start, nil, err)
	}
	if err := ms.waitIdle(ctx, request, p); err != nil {
		return ms.result(ctx, p.SessionID(), toolReset, start, nil, err)
	}
	st := p.Status()
	return ms.result(ctx, p.SessionID(), toolReset, start, &st, nil)
}

func (ms *MCPServer) handleSave(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolSave)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var buf bytes.Buffer
	if err := snapshot.Write(&buf, p.Save()); err != nil {
		return ms.result(ctx, p.SessionID(), toolSave, start, nil, err)
	}
	return ms.result(ctx, p.SessionID(), toolSave, start, buf.String(), nil)
}

func (ms *MCPServer) handleLoad(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolLoad)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := request.RequireString(argDocument)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolLoad, start, nil, err)
	}
	doc, err := snapshot.Read(strings.NewReader(raw))
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolLoad, start, nil, err)
	}
	sum, err := p.Load(ctx, doc)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolLoad, start, nil, err)
	}
	resp := &LoadResponse{SessionID: p.SessionID(), Summary: sum}
	if request.GetBool(argWait, false) {
		if err := ms.waitIdle(ctx, request, p); err != nil {
			return ms.result(ctx, p.SessionID(), toolLoad, start, nil, err)
		}
		st := p.Status()
		resp.Status = &st
	}
	return ms.result(ctx, p.SessionID(), toolLoad, start, resp, nil)
}

func (ms *MCPServer) handleSetTitle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolSetTitle)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := request.RequireString(argTitle)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolSetTitle, start, nil, err)
	}
	clean, err := p.SetProjectTitle(ctx, title)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolSetTitle, start, nil, err)
	}
	return ms.result(ctx, p.SessionID(), toolSetTitle, start, map[string]string{argTitle: clean}, nil)
}

func (ms *MCPServer) handleSetProtocolLink(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	p, err := ms.pipelineFor(ctx, request, toolSetProtocol)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	link, err := request.RequireString(argLink)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolSetProtocol, start, nil, err)
	}
	clean, err := p.SetProtocolLink(ctx, link)
	if err != nil {
		return ms.result(ctx, p.SessionID(), toolSetProtocol, start, nil, err)
	}
	return ms.result(ctx, p.SessionID(), toolSetProtocol, start, map[string]string{argLink: clean}, nil)
}

func (ms *MCPServer) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	taskID, err := request.RequireString(argTaskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ms.audit.LogToolCall(ctx, &AuditEntry{ToolName: toolTaskStatus, Arguments: request.GetArguments()})

	info, err := ms.queue.Task(ctx, taskID)
	if err != nil {
		return ms.result(ctx, "", toolTaskStatus, start, nil, fmt.Errorf("task not found: %w", err))
	}
	resp := &TaskResponse{
		TaskID:         info.Handle.TaskID,
		SessionID:      info.Handle.SessionID,
		Stage:          info.Task.Stage,
		TriggerVersion: info.Task.TriggerVersion,
		Status:         string(info.Status.Kind()),
		RetryCount:     info.Task.RetryCount,
		Error:          info.Task.Error,
	}
	if started, ok := info.Status.(taskqueue.Started); ok {
		p := started.Progress
		resp.Progress = &p
	}
	return ms.result(ctx, info.Handle.SessionID, toolTaskStatus, start, resp, nil)
}
