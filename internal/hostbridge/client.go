package hostbridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"sfmprecision/internal/optimizer"
	"sfmprecision/internal/project"
)

// Client is an optimizer backed by a remote bridge.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the bridge at addr. Extra options are appended to the
// defaults, which use plaintext transport.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}
	conn, err := grpc.NewClient(addr, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Optimize sends chunk to the bridge and applies the adjusted estimates it
// returns. Observations and references of chunk are never modified.
func (c *Client) Optimize(ctx context.Context, chunk *project.Chunk, fit optimizer.FitParams) (optimizer.Report, error) {
	req, err := toStruct(optimizeRequest{Snapshot: project.ToSnapshot(chunk), Fit: fit})
	if err != nil {
		return optimizer.Report{}, fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, optimizeMethod, req, resp); err != nil {
		return optimizer.Report{}, err
	}

	var out optimizeReply
	if err := fromStruct(resp, &out); err != nil {
		return optimizer.Report{}, fmt.Errorf("decode reply: %w", err)
	}
	if out.Snapshot == nil {
		return out.Report, fmt.Errorf("reply carries no snapshot")
	}
	adjusted, err := project.FromSnapshot(out.Snapshot)
	if err != nil {
		return out.Report, fmt.Errorf("reply snapshot: %w", err)
	}
	if err := chunk.ApplyAdjustment(adjusted); err != nil {
		return out.Report, err
	}
	return out.Report, nil
}

// Optimizers returns a pipeline optimizer factory: runs naming a bridge
// address get a Client, the rest get local.
func Optimizers(local func() optimizer.Optimizer) func(ctx context.Context, addr string) (optimizer.Optimizer, func() error, error) {
	return func(_ context.Context, addr string) (optimizer.Optimizer, func() error, error) {
		if addr == "" {
			return local(), nil, nil
		}
		c, err := Dial(addr)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}
