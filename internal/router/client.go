package router

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Route is the answer of a Route call.
type Route struct {
	Pool   string
	Server string
	Addr   string
	Index  int
}

// Client is a Router client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Router client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Route asks which server of poolName owns key.
func (c *Client) Route(ctx context.Context, poolName, key string, opts ...grpc.CallOption) (Route, error) {
	in, err := structpb.NewStruct(map[string]any{"pool": poolName, "key": key})
	if err != nil {
		return Route{}, fmt.Errorf("invalid route request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, routeMethod, in, out, opts...); err != nil {
		return Route{}, err
	}

	fields := out.GetFields()
	return Route{
		Pool:   fields["pool"].GetStringValue(),
		Server: fields["server"].GetStringValue(),
		Addr:   fields["addr"].GetStringValue(),
		Index:  int(fields["index"].GetNumberValue()),
	}, nil
}

// Ring returns the continuum description of poolName.
func (c *Client) Ring(ctx context.Context, poolName string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"pool": poolName})
	if err != nil {
		return nil, fmt.Errorf("invalid ring request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ringMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportFailure reports a failed request against server in poolName.
func (c *Client) ReportFailure(ctx context.Context, poolName, server string, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]any{"pool": poolName, "server": server})
	if err != nil {
		return fmt.Errorf("invalid failure report: %w", err)
	}
	return c.cc.Invoke(ctx, reportFailureMethod, in, new(emptypb.Empty), opts...)
}
