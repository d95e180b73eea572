// Package grpcapi implements the xdplb gRPC control service and its client.
//
// Messages are protobuf well-known types: requests carrying a single listen
// port use wrapperspb.UInt32Value, structured payloads use structpb.Struct
// with the same field names as the HTTP API.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "xdplb.v1.Control"

// ControlServer is the server API for the Control service.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListBackends(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetBackends(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
	SetBackends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteBackends(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
	GetStatistics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryHandler adapts a typed ControlServer method to grpc.MethodHandler.
func unaryHandler[Req proto.Message, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(ControlServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			cs := srv.(ControlServer)
			if interceptor == nil {
				return call(cs, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(cs, ctx, r.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newUInt32() *wrapperspb.UInt32Value { return new(wrapperspb.UInt32Value) }

// ServiceDesc describes the Control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetStatus", newEmpty, ControlServer.GetStatus),
		unaryHandler("ListBackends", newEmpty, ControlServer.ListBackends),
		unaryHandler("GetBackends", newUInt32, ControlServer.GetBackends),
		unaryHandler("SetBackends", newStruct, ControlServer.SetBackends),
		unaryHandler("DeleteBackends", newUInt32, ControlServer.DeleteBackends),
		unaryHandler("GetStatistics", newEmpty, ControlServer.GetStatistics),
		unaryHandler("Simulate", newStruct, ControlServer.Simulate),
		unaryHandler("GetEvents", newStruct, ControlServer.GetEvents),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(structpb.Struct)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(ControlServer).WatchEvents(req, stream)
			},
		},
	},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// toStruct converts a JSON-tagged Go value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert %T: %w", v, err)
	}
	return out, nil
}

// fromStruct decodes a structpb.Struct into a JSON-tagged Go value.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
