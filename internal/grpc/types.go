package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name clients dial.
const ServiceName = "recordable.ScoreService"

const (
	getScoreMethod       = "/" + ServiceName + "/GetScore"
	getTickVolumesMethod = "/" + ServiceName + "/GetTickVolumes"
	streamVolumesMethod  = "/" + ServiceName + "/StreamVolumes"
)

// ScoreServer is the server API for the score service. Messages use the protobuf
// well-known types so no generated code is required.
type ScoreServer interface {
	GetScore(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	GetTickVolumes(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	StreamVolumes(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the score service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetScore", Handler: getScoreHandler},
		{MethodName: "GetTickVolumes", Handler: getTickVolumesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamVolumes", Handler: streamVolumesHandler, ServerStreams: true},
	},
	Metadata: "recordable/score.proto",
}

// RegisterScoreServer attaches srv to registrar.
func RegisterScoreServer(registrar grpc.ServiceRegistrar, srv ScoreServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func getScoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScoreServer).GetScore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getScoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScoreServer).GetScore(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getTickVolumesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScoreServer).GetTickVolumes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getTickVolumesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScoreServer).GetTickVolumes(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func streamVolumesHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ScoreServer).StreamVolumes(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}
