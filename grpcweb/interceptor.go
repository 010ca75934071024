package grpcweb

import (
	"context"

	"google.golang.org/grpc"
)

// UnaryInvoker performs a single unary call; it is the innermost function
// a chain of UnaryClientInterceptor wraps.
type UnaryInvoker func(ctx context.Context, method string, args, reply any, opts ...CallOption) error

// UnaryClientInterceptor wraps a UnaryInvoker. It may inspect or mutate
// the request before calling invoker, inspect the response after, or
// short-circuit by never calling invoker. Mirrors
// google.golang.org/grpc's UnaryClientInterceptor shape; kept in the root
// package rather than a subpackage (matching grpc-go's own layout) since
// it closes over CallOption.
type UnaryClientInterceptor func(ctx context.Context, method string, args, reply any, invoker UnaryInvoker, opts ...CallOption) error

// Streamer opens a single stream; it is the innermost function a chain of
// StreamClientInterceptor wraps.
type Streamer func(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...CallOption) (Stream, error)

// StreamClientInterceptor wraps a Streamer, with the same inspect/mutate/
// short-circuit contract as UnaryClientInterceptor.
type StreamClientInterceptor func(ctx context.Context, desc *grpc.StreamDesc, method string, streamer Streamer, opts ...CallOption) (Stream, error)

// chainUnaryInterceptors composes interceptors around invoker so the
// first interceptor in the list is outermost, exactly as
// grpc.WithChainUnaryInterceptor does.
func chainUnaryInterceptors(interceptors []UnaryClientInterceptor, invoker UnaryInvoker) UnaryInvoker {
	if len(interceptors) == 0 {
		return invoker
	}

	chained := invoker
	for i := len(interceptors) - 1; i >= 0; i-- {
		chained = bindUnary(interceptors[i], chained)
	}
	return chained
}

func bindUnary(interceptor UnaryClientInterceptor, next UnaryInvoker) UnaryInvoker {
	return func(ctx context.Context, method string, args, reply any, opts ...CallOption) error {
		return interceptor(ctx, method, args, reply, next, opts...)
	}
}

// chainStreamInterceptors composes interceptors around streamer so the
// first interceptor in the list is outermost.
func chainStreamInterceptors(interceptors []StreamClientInterceptor, streamer Streamer) Streamer {
	if len(interceptors) == 0 {
		return streamer
	}

	chained := streamer
	for i := len(interceptors) - 1; i >= 0; i-- {
		chained = bindStream(interceptors[i], chained)
	}
	return chained
}

func bindStream(interceptor StreamClientInterceptor, next Streamer) Streamer {
	return func(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...CallOption) (Stream, error) {
		return interceptor(ctx, desc, method, next, opts...)
	}
}
