package mcpserver

import (
	"context"
	"log/slog"
	"time"
)

// AuditEntry is one logged tool call or result
type AuditEntry struct {
	Timestamp time.Time
	SessionID string
	ToolName  string
	Arguments map[string]any
	Duration  time.Duration
	ErrorMsg  string
}

// AuditLogger records MCP tool calls
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// LogToolCall logs a tool invocation. Argument values are not logged,
// uploaded datasets can be large.
func (al *AuditLogger) LogToolCall(ctx context.Context, entry *AuditEntry) {
	keys := make([]string, 0, len(entry.Arguments))
	for k := range entry.Arguments {
		keys = append(keys, k)
	}
	al.logger.InfoContext(ctx, "tool_call",
		"session_id", entry.SessionID,
		"tool_name", entry.ToolName,
		"arguments", keys,
	)
}

// LogToolResult logs the outcome of a tool call
func (al *AuditLogger) LogToolResult(ctx context.Context, entry *AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.ErrorContext(ctx, "tool_error",
			"session_id", entry.SessionID,
			"tool_name", entry.ToolName,
			"error", entry.ErrorMsg,
		)
		return
	}
	al.logger.InfoContext(ctx, "tool_result",
		"session_id", entry.SessionID,
		"tool_name", entry.ToolName,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}
