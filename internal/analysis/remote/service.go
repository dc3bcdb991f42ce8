// Package remote exposes an analysis.Analyzer over gRPC so the statistics
// engine can run as a separate process. Messages are google.protobuf.Struct
// values; slot payloads travel as JSON strings inside them.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "nma.analysis.v1.Analyzer"
	analyzeMethod = "/" + serviceName + "/Analyze"
)

// Request and response field names
const (
	fieldStage   = "stage"
	fieldOutcome = "outcome"
	fieldInputs  = "inputs"
	fieldOutputs = "outputs"
)

// AnalyzerServer is the server API for the Analyzer service
type AnalyzerServer interface {
	Analyze(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalyzerServer).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: analyzeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalyzerServer).Analyze(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the Analyzer service for grpc.Server registration
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AnalyzerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Analyze",
			Handler:    analyzeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nma/analysis/v1/analyzer.proto",
}

// RegisterAnalyzerServer registers srv on s
func RegisterAnalyzerServer(s grpc.ServiceRegistrar, srv AnalyzerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
