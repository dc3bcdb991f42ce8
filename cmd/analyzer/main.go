// analyzer serves the statistics engine over gRPC for coordinators running
// with analyzer.kind: remote.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis/mock"
	"github.com/AltairaLabs/nma-pipeline/internal/analysis/remote"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
)

const defaultGRPCPort = "50051"

var (
	version   = flag.Bool("version", false, "Print version and exit")
	debug     = flag.Bool("debug", false, "Enable debug logging")
	logFormat = flag.String("log-format", "json", "Log format: text or json")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("NMA Analyzer v0.1.0")
		os.Exit(0)
	}

	level := logging.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if *debug {
		level = logging.ParseLevel("debug")
	}
	logging.Init(level, *logFormat)
	logger := logging.New("analyzer")

	grpcPort := getEnv("GRPC_PORT", defaultGRPCPort)
	delay := time.Duration(getEnvInt("MOCK_DELAY_MS", 0)) * time.Millisecond

	grpcServer := grpc.NewServer()
	remote.RegisterAnalyzerServer(grpcServer, remote.NewServer(mock.New(mock.WithDelay(delay)), logger))

	lis, err := net.Listen("tcp", ":"+grpcPort) //nolint:noctx // Standard gRPC server pattern
	if err != nil {
		logger.Error("Failed to listen", "port", grpcPort, "error", err)
		os.Exit(1)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down analyzer")
		grpcServer.GracefulStop()
	}()

	logger.Info("Analyzer listening", "port", grpcPort, "mock_delay", delay)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Error("Failed to serve", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}
