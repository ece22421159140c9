package propagation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor injects routing and actor metadata into unary calls.
func (inj *Injector) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(inj.outgoing(ctx, method), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor injects routing and actor metadata into streams.
func (inj *Injector) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(inj.outgoing(ctx, method), desc, cc, method, opts...)
	}
}

// DialOptions installs both interceptors on a client connection.
func (inj *Injector) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(inj.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(inj.StreamClientInterceptor()),
	}
}

func (inj *Injector) outgoing(ctx context.Context, method string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	inj.Inject(ctx, method, MetadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md)
}
