package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Hooks observe runner membership changes. They run outside the registry
// lock, synchronously with the change: OnCreated before the runner emits its
// first status, OnReleased after it has left the registry and before its hub
// is closed.
type Hooks struct {
	OnCreated  func(*Runner)
	OnReleased func(*Runner)
}

// Registry enforces at most one active runner per tenant. Its map is the
// only structure shared between tenants; runner traffic never takes its lock.
type Registry struct {
	cfg     Config
	codec   *framecodec.Codec
	log     logging.Logger
	metrics MetricsRecorder
	clock   timectrl.Clock
	tracer  trace.Tracer

	mu      sync.Mutex
	runners map[string]*Runner
	byID    map[string]*Runner
	seqs    map[string]*atomic.Uint64
	hooks   []Hooks
	closed  bool
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) RegistryOption {
	return func(g *Registry) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics attaches a metrics recorder. If it also implements
// control.MetricsRecorder or broadcast.MetricsRecorder those events are
// recorded too.
func WithMetrics(m MetricsRecorder) RegistryOption {
	return func(g *Registry) { g.metrics = m }
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(c timectrl.Clock) RegistryOption {
	return func(g *Registry) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithTracer overrides the tracer used for transition spans.
func WithTracer(t trace.Tracer) RegistryOption {
	return func(g *Registry) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithHooks registers membership hooks.
func WithHooks(h Hooks) RegistryOption {
	return func(g *Registry) { g.hooks = append(g.hooks, h) }
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config, opts ...RegistryOption) (*Registry, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("runner registry: engine dialer is required")
	}
	def := DefaultConfig()
	if cfg.FrameFormat == 0 {
		cfg.FrameFormat = def.FrameFormat
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	codec, err := framecodec.NewCodec(cfg.FrameFormat, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("runner registry: %w", err)
	}

	g := &Registry{
		cfg:     cfg,
		codec:   codec,
		log:     logging.Noop(),
		clock:   timectrl.Real{},
		tracer:  otel.Tracer("github.com/signalsfoundry/simrunner/internal/runner"),
		runners: make(map[string]*Runner),
		byID:    make(map[string]*Runner),
		seqs:    make(map[string]*atomic.Uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	if bm, ok := g.metrics.(broadcast.MetricsRecorder); ok && g.cfg.Broadcast.Metrics == nil {
		g.cfg.Broadcast.Metrics = bm
	}
	if g.cfg.Broadcast.Log == nil {
		g.cfg.Broadcast.Log = g.log
	}
	return g, nil
}

// AddHooks registers membership hooks after construction.
func (g *Registry) AddHooks(h Hooks) {
	g.mu.Lock()
	g.hooks = append(g.hooks, h)
	g.mu.Unlock()
}

// Start acquires a runner for tenant and begins running scenarios. The
// request is accepted synchronously; progress is reported on the runner's
// status stream.
//
// A tenant that already has an active runner gets that runner back with
// ErrAlreadyRunning. A runner that is still stopping is waited for, up to
// the configured stop grace, so stop followed by start succeeds.
func (g *Registry) Start(ctx context.Context, tenant string, scenarios []engine.Scenario, flags engine.Flags) (*Runner, error) {
	if len(scenarios) == 0 {
		g.observeCommand(CommandStart, ErrEmptyScenarioList)
		return nil, ErrEmptyScenarioList
	}

	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			g.observeCommand(CommandStart, ErrRegistryClosed)
			return nil, ErrRegistryClosed
		}

		if existing := g.runners[tenant]; existing != nil {
			g.mu.Unlock()
			if existing.finishing() {
				if err := g.awaitRelease(ctx, existing); err != nil {
					g.observeCommand(CommandStart, err)
					return nil, err
				}
				continue
			}
			existing.notice(ErrAlreadyRunning)
			g.observeCommand(CommandStart, ErrAlreadyRunning)
			return existing, ErrAlreadyRunning
		}

		rn := g.newRunnerLocked(tenant)
		g.runners[tenant] = rn
		g.byID[rn.id] = rn
		active := len(g.runners)
		hooks := append([]Hooks(nil), g.hooks...)
		g.mu.Unlock()

		if g.metrics != nil {
			g.metrics.SetActiveRunners(active)
		}
		for _, h := range hooks {
			if h.OnCreated != nil {
				h.OnCreated(rn)
			}
		}

		g.log.Info(ctx, "runner created",
			logging.String("tenant", tenant),
			logging.String("runner_id", rn.id),
			logging.Int("scenarios", len(scenarios)),
		)
		if err := rn.start(ctx, scenarios, flags); err != nil {
			rn.release()
			g.observeCommand(CommandStart, err)
			return nil, err
		}
		g.observeCommand(CommandStart, nil)
		return rn, nil
	}
}

// Stop stops the tenant's runner.
func (g *Registry) Stop(ctx context.Context, tenant string) error {
	rn, ok := g.Lookup(tenant)
	if !ok {
		g.observeCommand(CommandStop, ErrNotRunning)
		return ErrNotRunning
	}
	err := rn.Stop(ctx)
	g.observeCommand(CommandStop, err)
	return err
}

// Skip advances the tenant's runner to its next scenario.
func (g *Registry) Skip(ctx context.Context, tenant string) error {
	rn, ok := g.Lookup(tenant)
	if !ok {
		g.observeCommand(CommandSkip, ErrNotRunning)
		return ErrNotRunning
	}
	err := rn.Skip(ctx)
	g.observeCommand(CommandSkip, err)
	return err
}

// Release destroys the tenant's runner, stopping it first if needed, and
// waits until it has left the registry. Releasing a tenant without a runner
// is a no-op.
func (g *Registry) Release(ctx context.Context, tenant string) error {
	rn, ok := g.Lookup(tenant)
	if !ok {
		return nil
	}
	_ = rn.Stop(ctx)
	select {
	case <-rn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the tenant's runner without blocking on any runner.
func (g *Registry) Lookup(tenant string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rn, ok := g.runners[tenant]
	return rn, ok
}

// LookupID returns the runner with the given id.
func (g *Registry) LookupID(id string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rn, ok := g.byID[id]
	return rn, ok
}

// Len returns the number of active runners.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runners)
}

// Target returns the tenant's runner as a control target, or nil.
func (g *Registry) Target(tenant string) control.Target {
	if rn, ok := g.Lookup(tenant); ok {
		return rn
	}
	return nil
}

// Shutdown refuses new starts, stops every runner and waits for them to be
// released or for ctx to end.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	runners := make([]*Runner, 0, len(g.runners))
	for _, rn := range g.runners {
		runners = append(runners, rn)
	}
	g.mu.Unlock()

	for _, rn := range runners {
		_ = rn.Stop(ctx)
	}
	for _, rn := range runners {
		select {
		case <-rn.Done():
		case <-ctx.Done():
			return fmt.Errorf("runner registry shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (g *Registry) newRunnerLocked(tenant string) *Runner {
	seq, ok := g.seqs[tenant]
	if !ok {
		seq = new(atomic.Uint64)
		g.seqs[tenant] = seq
	}
	id := uuid.NewString()
	log := g.log.With(
		logging.String("tenant", tenant),
		logging.String("runner_id", id),
	)
	hubOpts := g.cfg.Broadcast
	hubOpts.Log = log

	return &Runner{
		id:        id,
		tenant:    tenant,
		cfg:       g.cfg,
		log:       log,
		metrics:   g.metrics,
		clock:     g.clock,
		tracer:    g.tracer,
		codec:     g.codec,
		hub:       broadcast.NewHub("runner/"+id, hubOpts),
		slot:      control.NewSlot(),
		frameSeq:  seq,
		fsm:       NewMachine(g.clock),
		onRelease: g.release,
		done:      make(chan struct{}),
	}
}

// release removes rn if it is still the tenant's runner. Stale releases are
// no-ops, which makes release idempotent.
func (g *Registry) release(rn *Runner) {
	g.mu.Lock()
	if cur, ok := g.runners[rn.tenant]; ok && cur == rn {
		delete(g.runners, rn.tenant)
	}
	if cur, ok := g.byID[rn.id]; ok && cur == rn {
		delete(g.byID, rn.id)
	}
	active := len(g.runners)
	hooks := append([]Hooks(nil), g.hooks...)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetActiveRunners(active)
	}
	for _, h := range hooks {
		if h.OnReleased != nil {
			h.OnReleased(rn)
		}
	}
	rn.hub.Close()
	g.log.Info(context.Background(), "runner released",
		logging.String("tenant", rn.tenant),
		logging.String("runner_id", rn.id),
	)
}

func (g *Registry) awaitRelease(ctx context.Context, rn *Runner) error {
	t := time.NewTimer(g.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-rn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("%w: previous session still stopping", ErrTransitionInProgress)
	}
}

func (g *Registry) observeCommand(cmd Command, err error) {
	if g.metrics == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = Code(err)
	}
	g.metrics.ObserveCommand(string(cmd), result)
}
