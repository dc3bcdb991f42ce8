package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Blocking entry points, covered by running the coordinator binary.

// ServeStdio serves MCP over stdin/stdout until the client disconnects
func (ms *MCPServer) ServeStdio() error {
	ms.logger.Info("Starting MCP server with stdio transport")
	return server.ServeStdio(ms.server)
}

// ServeHTTP serves MCP over HTTP/SSE on addr until ctx is cancelled
func (ms *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	sseServer := server.NewSSEServer(ms.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	ms.logger.Info("Starting MCP server with HTTP/SSE transport", "address", addr, "base_path", "/mcp")

	errCh := make(chan error, 1)
	go func() { errCh <- sseServer.Start(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sseServer.Shutdown(shutdownCtx)
	}
}
