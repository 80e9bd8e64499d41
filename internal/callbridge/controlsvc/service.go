// Package controlsvc exposes a session's control surface over gRPC.
//
// The service is described by hand rather than generated: requests and
// replies are well-known protobuf types (structpb.Struct carrying the
// JSON shape of the media configuration values, emptypb.Empty and
// wrapperspb.BytesValue), so no .proto compilation step is required.
package controlsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "callbridge.v1.SessionControl"

// SessionControlServer is the server API for the SessionControl service.
type SessionControlServer interface {
	Start(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	UpdateDevices(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UpdateCodecs(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetTransmit(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetRecord(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LocalDescription(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	WatchStatus(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc is the grpc.ServiceDesc for the SessionControl service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", SessionControlServer.Start),
		unary("Stop", SessionControlServer.Stop),
		unary("UpdateDevices", SessionControlServer.UpdateDevices),
		unary("UpdateCodecs", SessionControlServer.UpdateCodecs),
		unary("SetTransmit", SessionControlServer.SetTransmit),
		unary("SetRecord", SessionControlServer.SetRecord),
		unary("LocalDescription", SessionControlServer.LocalDescription),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStatus",
			Handler:       watchStatusHandler,
			ServerStreams: true,
		},
	},
	Metadata: "callbridge/v1/session_control",
}

// RegisterSessionControlServer registers srv with s.
func RegisterSessionControlServer(s grpc.ServiceRegistrar, srv SessionControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Res any](method string, call func(SessionControlServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SessionControlServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func watchStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SessionControlServer).WatchStatus(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}
