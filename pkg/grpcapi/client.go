package grpcapi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
)

// Client is a typed client for the Control service.
type Client struct {
	cc     grpc.ClientConnInterface
	closer io.Closer
}

// Dial connects to a Control server at addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, closer: conn}, nil
}

// NewClient wraps an existing connection. Close does not close cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) invokeStruct(ctx context.Context, method string, req any, v any) error {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return err
	}
	return fromStruct(out, v)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (control.Status, error) {
	var st control.Status
	err := c.invokeStruct(ctx, "GetStatus", &emptypb.Empty{}, &st)
	return st, err
}

// ListBackends returns every rotation table entry.
func (c *Client) ListBackends(ctx context.Context) ([]control.Backend, error) {
	var list backendList
	if err := c.invokeStruct(ctx, "ListBackends", &emptypb.Empty{}, &list); err != nil {
		return nil, err
	}
	return list.Backends, nil
}

// GetBackends returns the entry for listenPort.
func (c *Client) GetBackends(ctx context.Context, listenPort uint16) (control.Backend, error) {
	var b control.Backend
	err := c.invokeStruct(ctx, "GetBackends", wrapperspb.UInt32(uint32(listenPort)), &b)
	return b, err
}

// SetBackends installs ports for listenPort with the cursor at 0.
func (c *Client) SetBackends(ctx context.Context, listenPort uint16, ports []uint16) (control.Backend, error) {
	req, err := toStruct(setBackendsRequest{ListenPort: uint32(listenPort), Ports: ports, Source: "lbctl"})
	if err != nil {
		return control.Backend{}, err
	}
	var b control.Backend
	err = c.invokeStruct(ctx, "SetBackends", req, &b)
	return b, err
}

// DeleteBackends removes the entry for listenPort.
func (c *Client) DeleteBackends(ctx context.Context, listenPort uint16) error {
	return c.cc.Invoke(ctx, fullMethod("DeleteBackends"), wrapperspb.UInt32(uint32(listenPort)), new(emptypb.Empty))
}

// Statistics returns the reason counters and auditor stats.
func (c *Client) Statistics(ctx context.Context) (control.Statistics, error) {
	var st control.Statistics
	err := c.invokeStruct(ctx, "GetStatistics", &emptypb.Empty{}, &st)
	return st, err
}

// Simulate predicts the backends of the next count packets to listenPort.
// A zero count simulates one full rotation.
func (c *Client) Simulate(ctx context.Context, listenPort uint16, count int) (control.Simulation, error) {
	req, err := toStruct(simulateRequest{ListenPort: uint32(listenPort), Count: count})
	if err != nil {
		return control.Simulation{}, err
	}
	var sim control.Simulation
	err = c.invokeStruct(ctx, "Simulate", req, &sim)
	return sim, err
}

// Events returns up to limit recent events matching f, newest first.
func (c *Client) Events(ctx context.Context, limit int, f logging.EventFilter) ([]logging.EventRecord, error) {
	req, err := toStruct(eventsRequest{Limit: limit, Type: f.Type, ListenPort: f.ListenPort})
	if err != nil {
		return nil, err
	}
	var list eventList
	if err := c.invokeStruct(ctx, "GetEvents", req, &list); err != nil {
		return nil, err
	}
	return list.Events, nil
}

// WatchEvents streams new events to fn until ctx is cancelled, the server
// ends the stream, or fn returns false. types is a comma-separated filter.
func (c *Client) WatchEvents(ctx context.Context, types string, fn func(logging.EventRecord) bool) error {
	req, err := toStruct(eventsRequest{Type: types})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var rec logging.EventRecord
		if err := fromStruct(msg, &rec); err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
}
