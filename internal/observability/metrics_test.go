package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("NewRunnerCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/simrunner.v1.RunnerControl/Start"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("RunnerControl", "Start", "OK")); got != 1 {
		t.Fatalf("simrunner_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "simrunner_rpc_duration_seconds", map[string]string{
		"service": "RunnerControl",
		"method":  "Start",
	}); count != 1 {
		t.Fatalf("simrunner_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("NewRunnerCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/simrunner.v1.RunnerControl/Skip"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.FailedPrecondition, "cannot skip")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("RunnerControl", "Skip", "FailedPrecondition")); got != 1 {
		t.Fatalf("simrunner_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestStreamInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("NewRunnerCollector: %v", err)
	}

	interceptor := collector.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/simrunner.v1.RunnerControl/WatchStatus", IsServerStream: true}
	_ = interceptor(nil, nil, info, func(srv interface{}, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("RunnerControl", "WatchStatus", "Canceled")); got != 1 {
		t.Fatalf("watch requests = %v, want 1", got)
	}
}

func TestRecorderMethodsDriveCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("NewRunnerCollector: %v", err)
	}

	c.SetActiveRunners(2)
	c.ObserveTransition("idle", "starting")
	c.ObserveTransition("idle", "starting")
	c.ObserveCommand("skip", "cannot_skip")
	c.ObserveEngineConnect("retry")
	c.ObserveControlCommand("invalid_range")
	c.ObserveFramePublished()
	c.ObserveFrameSent()
	c.ObserveFrameDropped("superseded")
	c.ObserveSubscriberRemoved("write_error")
	c.ConnectionOpened(KindWaiting)
	c.ConnectionMoved(KindWaiting, KindViewer)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"active runners", testutil.ToFloat64(c.ActiveRunners), 2},
		{"transitions", testutil.ToFloat64(c.Transitions.WithLabelValues("idle", "starting")), 2},
		{"commands", testutil.ToFloat64(c.Commands.WithLabelValues("skip", "cannot_skip")), 1},
		{"engine connects", testutil.ToFloat64(c.EngineConnects.WithLabelValues("retry")), 1},
		{"control commands", testutil.ToFloat64(c.ControlCommands.WithLabelValues("invalid_range")), 1},
		{"frames published", testutil.ToFloat64(c.FramesPublished), 1},
		{"frames sent", testutil.ToFloat64(c.FramesSent), 1},
		{"frames dropped", testutil.ToFloat64(c.FramesDropped.WithLabelValues("superseded")), 1},
		{"subscribers removed", testutil.ToFloat64(c.SubscribersRemoved.WithLabelValues("write_error")), 1},
		{"waiting viewers", testutil.ToFloat64(c.Viewers.WithLabelValues(KindWaiting)), 0},
		{"viewers", testutil.ToFloat64(c.Viewers.WithLabelValues(KindViewer)), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	c.ConnectionClosed(KindViewer, 3*time.Second)
	if count := histogramSampleCount(t, reg, "simrunner_connection_duration_seconds", map[string]string{"kind": KindViewer}); count != 1 {
		t.Fatalf("connection duration samples = %d, want 1", count)
	}
}

func TestCollectorReusesExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("first NewRunnerCollector: %v", err)
	}
	second, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("second NewRunnerCollector: %v", err)
	}
	first.ObserveCommand("start", "accepted")
	if got := testutil.ToFloat64(second.Commands.WithLabelValues("start", "accepted")); got != 1 {
		t.Fatalf("collectors do not share registration: %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *RunnerCollector
	c.SetActiveRunners(1)
	c.ObserveTransition("a", "b")
	c.ObserveControlCommand("accepted")

	var s *StreamCollector
	s.ObserveFrameSent()
	s.ConnectionClosed(KindViewer, time.Second)
}

func TestMetricsHandlerExposesRunnerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunnerCollector(reg)
	if err != nil {
		t.Fatalf("NewRunnerCollector: %v", err)
	}
	collector.SetActiveRunners(3)
	collector.ObserveTransition("running", "stopping")
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"simrunner_rpc_requests_total",
		"simrunner_rpc_duration_seconds",
		"simrunner_active_runners 3",
		`simrunner_runner_transitions_total{from="running",to="stopping"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
