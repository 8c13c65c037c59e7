package controlapi

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
)

const (
	requestIDMetadataKey     = "x-request-id"
	authorizationMetadataKey = "authorization"

	tracerName = "github.com/signalsfoundry/simrunner/internal/controlapi"

	healthServicePrefix = "/grpc.health.v1.Health/"
)

// wrappedStream swaps the context seen by stream handlers.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func withRequestContext(ctx context.Context, base logging.Logger, fullMethod string) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
	}
	ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", fullMethod)))
	return logging.ContextWithLogger(ctx, reqLog)
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(withRequestContext(ctx, base, info.FullMethod), req)
	}
}

// RequestIDStreamServerInterceptor is the streaming counterpart of
// RequestIDUnaryServerInterceptor.
func RequestIDStreamServerInterceptor(base logging.Logger) grpc.StreamServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := withRequestContext(ss.Context(), base, info.FullMethod)
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, resolver auth.Resolver) (context.Context, error) {
	if resolver == nil {
		return ctx, ToStatusError(auth.ErrUnauthenticated)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	token := auth.BearerToken(firstHeader(md, authorizationMetadataKey))
	tenant, err := resolver.Resolve(ctx, auth.Credentials{Token: token})
	if err != nil {
		return ctx, ToStatusError(err)
	}
	return auth.ContextWithTenant(ctx, tenant), nil
}

// AuthUnaryServerInterceptor resolves the bearer token in the authorization
// metadata to a tenant and stores it on the context. The standard health
// service is exempt.
func AuthUnaryServerInterceptor(resolver auth.Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, resolver)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// AuthStreamServerInterceptor authenticates streaming calls.
func AuthStreamServerInterceptor(resolver auth.Resolver) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), resolver)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// startRPCSpan names the active span (creating one when otelgrpc is not
// installed) and tags it with the standard rpc attributes.
func startRPCSpan(ctx context.Context, fullMethod string) (context.Context, trace.Span, bool) {
	service, method := observability.SplitMethod(fullMethod)
	name := fmt.Sprintf("Control/%s/%s", service, method)
	span := trace.SpanFromContext(ctx)
	created := false
	if !span.SpanContext().IsValid() {
		ctx, span = otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
		created = true
	} else {
		span.SetName(name)
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
		attribute.String("rpc.full_method", strings.TrimPrefix(fullMethod, "/")),
	}
	if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
		attrs = append(attrs, attribute.String("request_id", reqID))
	}
	if tenant, ok := auth.TenantFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("tenant", tenant))
	}
	span.SetAttributes(attrs...)
	return ctx, span, created
}

// TracingUnaryServerInterceptor enriches RPC spans with standard attributes and
// ensures a server span exists when otelgrpc is not configured.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span, created := startRPCSpan(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// TracingStreamServerInterceptor is the streaming counterpart of
// TracingUnaryServerInterceptor.
func TracingStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span, created := startRPCSpan(ss.Context(), info.FullMethod)
		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
