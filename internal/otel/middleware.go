package otel

import (
	"context"

	"google.golang.org/grpc"
)

// UnaryServerInterceptor returns a grpc.UnaryServerInterceptor that starts
// a span named after the gRPC method for every unary call (Execute), the
// task-execution analogue of the teacher's HTTP middleware that wrapped
// every inbound request in a server span.
func UnaryServerInterceptor(tracer *Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if tracer == nil || !tracer.Enabled() {
			return handler(ctx, req)
		}
		ctx, span := tracer.StartSpan(ctx, info.FullMethod)
		defer span.End()
		resp, err := handler(ctx, req)
		if err != nil {
			RecordError(span, err, "grpc", false)
		}
		return resp, err
	}
}

// StreamServerInterceptor returns a grpc.StreamServerInterceptor that
// starts a span named after the gRPC method for every streaming call
// (ExecuteStream).
func StreamServerInterceptor(tracer *Tracer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if tracer == nil || !tracer.Enabled() {
			return handler(srv, ss)
		}
		ctx, span := tracer.StartSpan(ss.Context(), info.FullMethod)
		defer span.End()
		err := handler(srv, &tracedServerStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			RecordError(span, err, "grpc", false)
		}
		return err
	}
}

type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context { return s.ctx }
