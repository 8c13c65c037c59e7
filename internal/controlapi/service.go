// Package controlapi exposes session commands and the status stream over gRPC
// as the simrunner.v1.RunnerControl service. Messages are well-known protobuf
// types: commands take google.protobuf.Struct or Empty, and status events are
// streamed as Struct values mirroring the JSON status envelope.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
	"github.com/signalsfoundry/simrunner/internal/session"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "simrunner.v1.RunnerControl"

// Full method names.
const (
	MethodStart       = "/" + ServiceName + "/Start"
	MethodStop        = "/" + ServiceName + "/Stop"
	MethodSkip        = "/" + ServiceName + "/Skip"
	MethodWatchStatus = "/" + ServiceName + "/WatchStatus"
)

// RunnerControlServer is the server API for the RunnerControl service.
type RunnerControlServer interface {
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Skip(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchStatus(*emptypb.Empty, grpc.ServerStream) error
}

// Viewers is the part of the session manager the status stream needs.
type Viewers interface {
	AttachViewer(ctx context.Context, tenant string, sink broadcast.Sink, opts session.ViewerOptions) (string, error)
	DetachViewer(tenant, id string)
}

// Service implements RunnerControlServer on top of the runner registry and
// the session manager.
type Service struct {
	commands session.Commander
	viewers  Viewers
	log      logging.Logger
}

// NewService constructs the gRPC control service.
func NewService(commands session.Commander, viewers Viewers, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{commands: commands, viewers: viewers, log: log}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, srv RunnerControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func tenantOf(ctx context.Context) (string, error) {
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return "", ToStatusError(auth.ErrUnauthenticated)
	}
	return tenant, nil
}

// Start begins a session. The request mirrors the REST body:
// {"scenarios": [{"name": ...}], "flags": {...}}.
func (s *Service) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	var body session.StartRequest
	if err := decodeStruct(req, &body); err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	rn, err := s.commands.Start(ctx, tenant, body.Scenarios, body.Flags)
	if err != nil {
		logging.LoggerFromContext(ctx, s.log).Debug(ctx, "start rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return structpb.NewStruct(map[string]any{
		"accepted":  true,
		"runner_id": rn.ID(),
	})
}

// Stop stops the caller's session.
func (s *Service) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.commands.Stop(ctx, tenant); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Skip advances the caller's session to its next scenario.
func (s *Service) Skip(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.commands.Skip(ctx, tenant); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchStatus streams status events for the caller's tenant until the client
// goes away or the server shuts down. The stream follows the tenant across
// sessions like any other status-only viewer.
func (s *Service) WatchStatus(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	sink := newStreamSink(stream)
	id, err := s.viewers.AttachViewer(ctx, tenant, sink, session.ViewerOptions{
		StatusOnly: true,
		Kind:       observability.KindWatch,
	})
	if err != nil {
		return ToStatusError(err)
	}
	defer s.viewers.DetachViewer(tenant, id)

	select {
	case <-ctx.Done():
		return nil
	case <-sink.done:
		return ToStatusError(sink.Err())
	}
}

// streamSink adapts a server stream to a status-only broadcast sink. A send
// that outlives the hub's write deadline fails the sink for good; the stuck
// SendMsg returns once WatchStatus has returned and the stream is torn down.
type streamSink struct {
	stream grpc.ServerStream

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

func newStreamSink(stream grpc.ServerStream) *streamSink {
	return &streamSink{stream: stream, done: make(chan struct{})}
}

func (s *streamSink) WriteStatus(ctx context.Context, payload []byte) error {
	if err := s.Err(); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}

	sent := make(chan error, 1)
	go func() { sent <- s.stream.SendMsg(msg) }()
	select {
	case err := <-sent:
		if err != nil {
			s.fail(err)
			return err
		}
		return nil
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	}
}

func (s *streamSink) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// WriteFrame drops frames; watchers are always status-only.
func (s *streamSink) WriteFrame(context.Context, *framecodec.Frame) error { return nil }

func (s *streamSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *streamSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func startHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerControlServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStart}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerControlServer).Start(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func stopHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerControlServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStop}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerControlServer).Stop(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func skipHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerControlServer).Skip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSkip}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerControlServer).Skip(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchStatusHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RunnerControlServer).WatchStatus(in, stream)
}

// ServiceDesc describes the RunnerControl service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: startHandler},
		{MethodName: "Stop", Handler: stopHandler},
		{MethodName: "Skip", Handler: skipHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStatus",
			Handler:       watchStatusHandler,
			ServerStreams: true,
		},
	},
	Metadata: "simrunner/v1/runner_control.proto",
}
