package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/mcpserver"
)

const shutdownTimeout = 10 * time.Second

var (
	serveTransport string
	serveHTTPPort  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Starts the MCP server over stdio (default) or HTTP/SSE. Each MCP session
gets its own pipeline; tools accept an explicit session_id as well.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "stdio or sse (overrides config)")
	serveCmd.Flags().IntVar(&serveHTTPPort, "http-port", 0, "HTTP port for the sse transport (overrides config)")
}

// loadConfig reads the config file and sets up the global logger
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if serveHTTPPort != 0 {
		cfg.Server.HTTPPort = serveHTTPPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New("coordinator")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	if cfg.Server.MetricsPort > 0 {
		srv := serveMetrics(a, cfg.Server.MetricsPort)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var opts []mcpserver.Option
	if a.async != nil {
		opts = append(opts, mcpserver.WithTasks(a.async, a.queue))
	}
	ms := mcpserver.New(mcpserver.Config{
		Name:        "nma-pipeline-coordinator",
		Version:     version,
		WaitTimeout: cfg.Pipeline.StageTimeout * 5,
	}, a.host, logger, opts...)

	logger.Info("Starting coordinator", "version", version, "transport", cfg.Server.Transport)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.Transport == "sse" {
			errCh <- ms.ServeHTTP(ctx, fmt.Sprintf(":%d", cfg.Server.HTTPPort))
			return
		}
		errCh <- ms.ServeStdio()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}
	logger.Info("Coordinator shutdown complete")
	return nil
}

func serveMetrics(a *app, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", "error", err)
		}
	}()
	return srv
}
