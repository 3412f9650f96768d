package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct documents whose fields mirror the JSON forms of the
// session, batch and robots types.
const ServiceName = "otrunner.v1.RobotService"

const (
	methodConnect       = "Connect"
	methodDisconnect    = "Disconnect"
	methodListRobots    = "ListRobots"
	methodExecuteBatch  = "ExecuteBatch"
	methodSendCodeBlock = "SendCodeBlock"
	methodStatus        = "Status"
	methodWatchBatch    = "WatchBatch"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// RobotServiceServer is the server API for otrunner.v1.RobotService.
type RobotServiceServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRobots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendCodeBlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchBatch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(RobotServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RobotServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RobotServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchBatchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RobotServiceServer).WatchBatch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RobotServiceDesc describes otrunner.v1.RobotService for grpc.Server.RegisterService.
var RobotServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RobotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodConnect, RobotServiceServer.Connect),
		unaryMethod(methodDisconnect, RobotServiceServer.Disconnect),
		unaryMethod(methodListRobots, RobotServiceServer.ListRobots),
		unaryMethod(methodExecuteBatch, RobotServiceServer.ExecuteBatch),
		unaryMethod(methodSendCodeBlock, RobotServiceServer.SendCodeBlock),
		unaryMethod(methodStatus, RobotServiceServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodWatchBatch,
			Handler:       watchBatchHandler,
			ServerStreams: true,
		},
	},
}

func RegisterRobotServiceServer(s grpc.ServiceRegistrar, srv RobotServiceServer) {
	s.RegisterService(&RobotServiceDesc, srv)
}
