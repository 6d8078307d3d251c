package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client is the operator-side handle to a distributor's RPC surface.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a distributor.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Halt asks the distributor to exit cleanly.
func (c *Client) Halt(ctx context.Context, req *HaltRequest) (*HaltResponse, error) {
	return invoke[HaltRequest, HaltResponse](ctx, c, "Halt", req)
}

// Metrics queries shard metrics.
func (c *Client) Metrics(ctx context.Context, req *MetricsRequest) (*MetricsResponse, error) {
	return invoke[MetricsRequest, MetricsResponse](ctx, c, "Metrics", req)
}

// SnapCreate requests a cluster snapshot.
func (c *Client) SnapCreate(ctx context.Context, req *SnapRequest) (*SnapResponse, error) {
	return invoke[SnapRequest, SnapResponse](ctx, c, "SnapCreate", req)
}

// ExclusionSafetyCheck asks whether an exclusion list is safe.
func (c *Client) ExclusionSafetyCheck(ctx context.Context, req *ExclusionCheckRequest) (*ExclusionCheckResponse, error) {
	return invoke[ExclusionCheckRequest, ExclusionCheckResponse](ctx, c, "ExclusionSafetyCheck", req)
}

// WigglerState queries the rotation states.
func (c *Client) WigglerState(ctx context.Context, req *WigglerStateRequest) (*WigglerStateResponse, error) {
	return invoke[WigglerStateRequest, WigglerStateResponse](ctx, c, "WigglerState", req)
}
