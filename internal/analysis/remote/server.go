package remote

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Server serves a local analyzer over gRPC
type Server struct {
	analyzer analysis.Analyzer
	logger   *slog.Logger
}

// NewServer wraps analyzer
func NewServer(analyzer analysis.Analyzer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{analyzer: analyzer, logger: logger}
}

// Analyze implements AnalyzerServer
func (s *Server) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	stage := types.StageID(fields[fieldStage].GetStringValue())
	if stage == "" {
		return nil, status.Error(codes.InvalidArgument, "stage is required")
	}
	outcome := int(fields[fieldOutcome].GetNumberValue())

	inputs := make(map[types.SlotName]types.Value)
	for name, v := range fields[fieldInputs].GetStructValue().GetFields() {
		inputs[types.SlotName(name)] = types.Value(v.GetStringValue())
	}

	s.logger.Debug("analyze request", "stage", stage, "outcome", outcome, "inputs", len(inputs))

	outputs, err := s.analyzer.Analyze(ctx, stage, inputs, outcome)
	if err != nil {
		s.logger.Warn("analyze failed", "stage", stage, "outcome", outcome, "error", err)
		return nil, toStatus(err)
	}

	encoded := make(map[string]any, len(outputs))
	for name, v := range outputs {
		encoded[string(name)] = string(v)
	}
	out, err := structpb.NewStruct(map[string]any{fieldOutputs: encoded})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outputs: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, analysis.ErrUnsupportedStage):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}
