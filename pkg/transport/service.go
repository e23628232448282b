// Package transport carries content between peers over gRPC. Messages are
// protobuf Structs so the service needs no generated code: the service
// descriptor below plays the part protoc-gen-go-grpc would.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "mediashare.Transport"

const (
	shareMethod       = "/" + serviceName + "/Share"
	fetchMethod       = "/" + serviceName + "/Fetch"
	openStreamMethod  = "/" + serviceName + "/OpenStream"
	closeStreamMethod = "/" + serviceName + "/CloseStream"
	searchMethod      = "/" + serviceName + "/Search"
)

// StreamChunkSize keeps each Fetch message under the default 4MB gRPC
// limit once structpb has base64-encoded the bytes.
const StreamChunkSize = 2 * 1024 * 1024

// MaxMessageSize bounds a single message, which for Share is the whole
// payload.
const MaxMessageSize = 64 * 1024 * 1024

// TransportServer is the server side of the peer service.
type TransportServer interface {
	Share(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fetch(*structpb.Struct, grpc.ServerStream) error
	OpenStream(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseStream(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv TransportServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TransportServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TransportServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fetchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TransportServer).Fetch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Share",
			Handler: unaryHandler(shareMethod, func(srv TransportServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.Share(ctx, in)
			}),
		},
		{
			MethodName: "OpenStream",
			Handler: unaryHandler(openStreamMethod, func(srv TransportServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.OpenStream(ctx, in)
			}),
		},
		{
			MethodName: "CloseStream",
			Handler: unaryHandler(closeStreamMethod, func(srv TransportServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.CloseStream(ctx, in)
			}),
		},
		{
			MethodName: "Search",
			Handler: unaryHandler(searchMethod, func(srv TransportServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.Search(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Fetch",
			Handler:       fetchHandler,
			ServerStreams: true,
		},
	},
}

// RegisterTransportServer registers srv on s.
func RegisterTransportServer(s grpc.ServiceRegistrar, srv TransportServer) {
	s.RegisterService(&serviceDesc, srv)
}
