package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/config"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/controlapi"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
	"github.com/signalsfoundry/simrunner/internal/runner"
	"github.com/signalsfoundry/simrunner/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file (defaults are used when empty)")
	httpAddr := flag.String("http-addr", "", "Override listen.http: address for viewer/control sockets and the REST API")
	grpcAddr := flag.String("grpc-addr", "", "Override listen.grpc: address for the RunnerControl gRPC service")
	metricsAddr := flag.String("metrics-addr", "", "Override listen.metrics: address for Prometheus /metrics")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simrunner-server: %v\n", err)
		os.Exit(2)
	}
	applyOverrides(cfg, *httpAddr, *grpcAddr, *metricsAddr)

	log := logging.NewFromEnv(cfg.LoggingDefaults())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := listen(cfg.Listen)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

func applyOverrides(cfg *config.Config, httpAddr, grpcAddr, metricsAddr string) {
	if httpAddr != "" {
		cfg.Listen.HTTP = httpAddr
	}
	if grpcAddr != "" {
		cfg.Listen.GRPC = grpcAddr
	}
	if metricsAddr != "" {
		cfg.Listen.Metrics = metricsAddr
	}
}

// listeners holds the bound sockets. A nil listener disables that surface.
type listeners struct {
	HTTP    net.Listener
	GRPC    net.Listener
	Metrics net.Listener
}

func (l listeners) close() {
	for _, lis := range []net.Listener{l.HTTP, l.GRPC, l.Metrics} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

func listen(cfg config.ListenConfig) (listeners, error) {
	var out listeners
	bind := func(addr string, dst *net.Listener) error {
		if addr == "" {
			return nil
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		*dst = lis
		return nil
	}
	for _, b := range []struct {
		addr string
		dst  *net.Listener
	}{
		{cfg.HTTP, &out.HTTP},
		{cfg.GRPC, &out.GRPC},
		{cfg.Metrics, &out.Metrics},
	} {
		if err := bind(b.addr, b.dst); err != nil {
			out.close()
			return listeners{}, err
		}
	}
	return out, nil
}

// run wires every component and serves until ctx is cancelled. It owns the
// listeners and closes them on return.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis listeners) error {
	if log == nil {
		log = logging.Noop()
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		lis.close()
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := observability.NewRunnerCollector(promReg)
	if err != nil {
		lis.close()
		return fmt.Errorf("init metrics: %w", err)
	}

	registry, err := runner.NewRegistry(
		cfg.RunnerConfig(engine.NewSynthetic(cfg.SyntheticConfig())),
		runner.WithLogger(log),
		runner.WithMetrics(collector),
	)
	if err != nil {
		lis.close()
		return fmt.Errorf("init runner registry: %w", err)
	}

	lobby := cfg.BroadcastOptions()
	lobby.Metrics = collector
	manager := session.NewManager(registry, control.NewRelay(log, collector),
		session.WithLogger(log),
		session.WithMetrics(collector),
		session.WithLobbyOptions(lobby),
	)

	resolver := auth.NewStaticTokenResolver(cfg.TenantTokens())

	var (
		httpSrv    *http.Server
		grpcSrv    *grpc.Server
		metricsSrv *http.Server
		healthSrv  *health.Server
	)
	errCh := make(chan error, 3)

	if lis.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", lis.Metrics.Addr().String()))
		go serveHTTP(metricsSrv, lis.Metrics, errCh)
	}

	if lis.HTTP != nil {
		srv := session.NewServer(manager, registry, resolver, session.ServerConfig{
			PingInterval:  cfg.Session.PingInterval,
			FrameEncoding: cfg.FrameEncoding(),
			Reconnect: session.ReconnectPolicy{
				MaxAttempts:  cfg.Session.Reconnect.MaxAttempts,
				InitialDelay: cfg.Session.Reconnect.InitialDelay,
				MaxDelay:     cfg.Session.Reconnect.MaxDelay,
			},
		}, log)
		httpSrv = &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		log.Info(ctx, "serving viewer and control sockets", logging.String("addr", lis.HTTP.Addr().String()))
		go serveHTTP(httpSrv, lis.HTTP, errCh)
	}

	if lis.GRPC != nil {
		grpcSrv = grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(
				controlapi.RequestIDUnaryServerInterceptor(log),
				controlapi.AuthUnaryServerInterceptor(resolver),
				controlapi.TracingUnaryServerInterceptor(),
				collector.UnaryServerInterceptor(),
			),
			grpc.ChainStreamInterceptor(
				controlapi.RequestIDStreamServerInterceptor(log),
				controlapi.AuthStreamServerInterceptor(resolver),
				controlapi.TracingStreamServerInterceptor(),
				collector.StreamServerInterceptor(),
			),
		)
		controlapi.Register(grpcSrv, controlapi.NewService(registry, manager, log))
		healthSrv = health.NewServer()
		healthSrv.SetServingStatus(controlapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)

		log.Info(ctx, "serving RunnerControl gRPC", logging.String("addr", lis.GRPC.Addr().String()))
		go func() {
			if err := grpcSrv.Serve(lis.GRPC); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down simrunner-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	// Hijacked sockets are not tracked by http.Server; the manager closes them.
	manager.Close()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		stopGRPC(shutdownCtx, grpcSrv)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "runner shutdown incomplete", logging.Err(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return serveErr
}

func serveHTTP(srv *http.Server, lis net.Listener, errCh chan<- error) {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("http server %s: %w", lis.Addr(), err)
	}
}

// stopGRPC drains in-flight RPCs, forcing a stop when ctx expires first.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
