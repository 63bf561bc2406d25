package server

import (
	"context"
	"fmt"

	"buildswarm/internal/decommission"
	"buildswarm/internal/directory"
	"buildswarm/internal/provider"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a buildswarm server
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to addr without transport security
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) CanProvision(ctx context.Context, pool, label string) (bool, error) {
	in := record(fields{
		"pool":  structpb.NewStringValue(pool),
		"label": structpb.NewStringValue(label),
	})
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "CanProvision", in, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *Client) Provision(ctx context.Context, pool, label string, demand int) ([]PlannedNode, error) {
	in := record(fields{
		"pool":   structpb.NewStringValue(pool),
		"label":  structpb.NewStringValue(label),
		"demand": structpb.NewNumberValue(float64(demand)),
	})
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "Provision", in, out); err != nil {
		return nil, err
	}
	return unlist(out, decodePlanned), nil
}

func (c *Client) ListNodes(ctx context.Context) ([]directory.Node, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListNodes", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return unlist(out, decodeNode), nil
}

func (c *Client) RemoveNode(ctx context.Context, name string) error {
	return c.invoke(ctx, "RemoveNode", wrapperspb.String(name), new(emptypb.Empty))
}

func (c *Client) SetIdle(ctx context.Context, name string, idle bool) error {
	in := record(fields{
		"name": structpb.NewStringValue(name),
		"idle": structpb.NewBoolValue(idle),
	})
	return c.invoke(ctx, "SetIdle", in, new(emptypb.Empty))
}

func (c *Client) ListServers(ctx context.Context, pool string) ([]provider.Server, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListServers", wrapperspb.String(pool), out); err != nil {
		return nil, err
	}
	return unlist(out, decodeServer), nil
}

func (c *Client) ListOptions(ctx context.Context, pool string) (*OptionsResponse, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ListOptions", wrapperspb.String(pool), out); err != nil {
		return nil, err
	}
	return &OptionsResponse{
		Hardware:   unlist(out.GetFields()["hardware"].GetListValue(), decodeOption),
		Appliances: unlist(out.GetFields()["appliances"].GetListValue(), decodeOption),
	}, nil
}

func (c *Client) Decommission(ctx context.Context, pool, serverID string) error {
	in := record(fields{
		"pool":      structpb.NewStringValue(pool),
		"server_id": structpb.NewStringValue(serverID),
	})
	return c.invoke(ctx, "Decommission", in, new(emptypb.Empty))
}

func (c *Client) ListPending(ctx context.Context) ([]decommission.Deletion, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListPending", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return unlist(out, decodeDeletion), nil
}
