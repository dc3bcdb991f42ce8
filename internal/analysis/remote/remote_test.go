package remote

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/analysis/mock"
	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

const bufSize = 1024 * 1024

func startServer(t *testing.T, analyzer analysis.Analyzer) *Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	RegisterAnalyzerServer(server, NewServer(analyzer, logging.Discard()))
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRemoteMatchesLocal(t *testing.T) {
	engine := mock.New()
	client := startServer(t, engine)

	inputs, err := dataset.Demo(2).Slots()
	if err != nil {
		t.Fatalf("Slots() error: %v", err)
	}

	want, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 1)
	if err != nil {
		t.Fatalf("local Analyze() error: %v", err)
	}
	got, err := client.Analyze(context.Background(), kvstore.StageNMA, inputs, 1)
	if err != nil {
		t.Fatalf("remote Analyze() error: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(got), len(want))
	}
	for name, v := range want {
		if string(got[name]) != string(v) {
			t.Errorf("output %s = %s, want %s", name, got[name], v)
		}
	}
}

func TestRemoteCombinedOutcome(t *testing.T) {
	var seen atomic.Int64
	client := startServer(t, analysis.AnalyzerFunc(func(_ context.Context, _ types.StageID, _ map[types.SlotName]types.Value, outcome int) (map[types.SlotName]types.Value, error) {
		seen.Store(int64(outcome))
		return map[types.SlotName]types.Value{kvstore.SlotDataCheck: types.MustEncode(true)}, nil
	}))

	if _, err := client.Analyze(context.Background(), kvstore.StageDataCheck, nil, analysis.CombinedOutcome); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := int(seen.Load()); got != analysis.CombinedOutcome {
		t.Errorf("server saw outcome %d, want %d", got, analysis.CombinedOutcome)
	}
}

func TestRemoteErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantIs   error
	}{
		{"unsupported", analysis.ErrUnsupportedStage, codes.Unimplemented, analysis.ErrUnsupportedStage},
		{"analysis failure", errors.New("singular matrix"), codes.FailedPrecondition, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, analysis.AnalyzerFunc(func(context.Context, types.StageID, map[types.SlotName]types.Value, int) (map[types.SlotName]types.Value, error) {
				return nil, tt.err
			}))

			_, err := client.Analyze(context.Background(), kvstore.StageNMA, nil, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantIs != nil {
				if !errors.Is(err, tt.wantIs) {
					t.Errorf("error = %v, want %v", err, tt.wantIs)
				}
				return
			}
			if code := status.Code(err); code != tt.wantCode {
				t.Errorf("code = %v, want %v", code, tt.wantCode)
			}
		})
	}
}

func TestServerRejectsMissingStage(t *testing.T) {
	client := startServer(t, mock.New())
	_, err := client.Analyze(context.Background(), "", nil, 0)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}
