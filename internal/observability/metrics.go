package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RunnerCollector bundles Prometheus metrics for runner lifecycle, control
// input and the command RPC surface, and provides helpers to wire them into
// gRPC servers and HTTP handlers. Stream delivery metrics live on the
// embedded StreamCollector so a single value satisfies every recorder
// interface in the runner, control and broadcast packages.
type RunnerCollector struct {
	*StreamCollector

	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	ActiveRunners   prometheus.Gauge
	Transitions     *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	EngineConnects  *prometheus.CounterVec
	ControlCommands *prometheus.CounterVec
}

// NewRunnerCollector registers runner metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRunnerCollector(reg prometheus.Registerer) (*RunnerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	stream, err := NewStreamCollector(reg)
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_rpc_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "simrunner_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simrunner_rpc_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "simrunner_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simrunner_active_runners",
		Help: "Current number of registered runners.",
	}), "simrunner_active_runners")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_runner_transitions_total",
		Help: "Scenario state machine transitions, labeled by source and target state.",
	}, []string{"from", "to"}), "simrunner_runner_transitions_total")
	if err != nil {
		return nil, err
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_runner_commands_total",
		Help: "Lifecycle commands (start, stop, skip), labeled by outcome.",
	}, []string{"command", "result"}), "simrunner_runner_commands_total")
	if err != nil {
		return nil, err
	}

	connects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_engine_connect_attempts_total",
		Help: "Engine connection attempts, labeled by result.",
	}, []string{"result"}), "simrunner_engine_connect_attempts_total")
	if err != nil {
		return nil, err
	}

	control, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_control_commands_total",
		Help: "Driver input commands, labeled by relay or forwarder outcome.",
	}, []string{"result"}), "simrunner_control_commands_total")
	if err != nil {
		return nil, err
	}

	return &RunnerCollector{
		StreamCollector: stream,
		gatherer:        gatherer,
		RPCRequests:     requests,
		RPCDurations:    durations,
		ActiveRunners:   active,
		Transitions:     transitions,
		Commands:        commands,
		EngineConnects:  connects,
		ControlCommands: control,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RunnerCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor records counts and durations for streaming RPCs.
// Durations cover the whole life of the stream.
func (c *RunnerCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return err
	}
}

func (c *RunnerCollector) observeRPC(fullMethod string, err error, start time.Time) {
	if c == nil {
		return
	}
	service, method := SplitMethod(fullMethod)
	code := status.Code(err).String()

	if c.RPCRequests != nil {
		c.RPCRequests.WithLabelValues(service, method, code).Inc()
	}
	if c.RPCDurations != nil {
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunnerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetActiveRunners satisfies runner.MetricsRecorder.
func (c *RunnerCollector) SetActiveRunners(n int) {
	if c == nil || c.ActiveRunners == nil {
		return
	}
	c.ActiveRunners.Set(float64(n))
}

// ObserveTransition satisfies runner.MetricsRecorder.
func (c *RunnerCollector) ObserveTransition(from, to string) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveCommand satisfies runner.MetricsRecorder.
func (c *RunnerCollector) ObserveCommand(command, result string) {
	if c == nil || c.Commands == nil {
		return
	}
	c.Commands.WithLabelValues(command, result).Inc()
}

// ObserveEngineConnect satisfies runner.MetricsRecorder.
func (c *RunnerCollector) ObserveEngineConnect(result string) {
	if c == nil || c.EngineConnects == nil {
		return
	}
	c.EngineConnects.WithLabelValues(result).Inc()
}

// ObserveControlCommand satisfies control.MetricsRecorder.
func (c *RunnerCollector) ObserveControlCommand(result string) {
	if c == nil || c.ControlCommands == nil {
		return
	}
	c.ControlCommands.WithLabelValues(result).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
