package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Client is an analysis.Analyzer backed by a remote Analyzer service
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Extra options are appended after the
// default insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Analyze implements analysis.Analyzer
func (c *Client) Analyze(ctx context.Context, stage types.StageID, inputs map[types.SlotName]types.Value, outcome int) (map[types.SlotName]types.Value, error) {
	encoded := make(map[string]any, len(inputs))
	for name, v := range inputs {
		encoded[string(name)] = string(v)
	}
	req, err := structpb.NewStruct(map[string]any{
		fieldStage:   string(stage),
		fieldOutcome: outcome,
		fieldInputs:  encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, analyzeMethod, req, resp); err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil, fmt.Errorf("%w: %s", analysis.ErrUnsupportedStage, status.Convert(err).Message())
		}
		return nil, err
	}

	outputs := make(map[types.SlotName]types.Value)
	for name, v := range resp.GetFields()[fieldOutputs].GetStructValue().GetFields() {
		outputs[types.SlotName(name)] = types.Value(v.GetStringValue())
	}
	return outputs, nil
}
