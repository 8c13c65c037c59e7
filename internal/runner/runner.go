package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRecorder receives runner lifecycle events.
type MetricsRecorder interface {
	ObserveTransition(from, to string)
	ObserveCommand(command, result string)
	ObserveEngineConnect(result string)
	ObserveFramePublished()
	SetActiveRunners(n int)
}

// Config carries the settings shared by every runner of a registry.
type Config struct {
	Engine engine.ConnectConfig
	Dialer engine.Dialer

	FrameFormat framecodec.Format
	JPEGQuality int

	Control   control.ForwarderConfig
	Broadcast broadcast.Options

	// TransitionTimeout bounds Starting and Skipping. Zero disables it.
	TransitionTimeout time.Duration
	// HeartbeatInterval is how often a status is repeated while a transition
	// is in flight.
	HeartbeatInterval time.Duration
	// StopGrace is how long a start waits for the tenant's previous runner
	// to finish stopping.
	StopGrace time.Duration
}

// DefaultConfig returns the production defaults. Dialer must still be set.
func DefaultConfig() Config {
	return Config{
		Engine:            engine.DefaultConnectConfig(),
		FrameFormat:       framecodec.FormatJPEG,
		JPEGQuality:       framecodec.DefaultJPEGQuality,
		Control:           control.DefaultForwarderConfig(),
		Broadcast:         broadcast.DefaultOptions(),
		TransitionTimeout: 20 * time.Second,
		HeartbeatInterval: time.Second,
		StopGrace:         10 * time.Second,
	}
}

// Runner owns one live simulation session for one tenant: the engine
// connection, the scenario state machine and the broadcast hub its viewers
// subscribe to. A Runner is single-use; once it returns to Idle it is
// released and a new one is created for the next start.
type Runner struct {
	id      string
	tenant  string
	cfg     Config
	log     logging.Logger
	metrics MetricsRecorder
	clock   timectrl.Clock
	tracer  trace.Tracer
	codec   *framecodec.Codec
	hub     *broadcast.Hub
	slot    *control.Slot

	// frameSeq is shared by all runners of the tenant so a viewer that stays
	// connected across sessions never sees the sequence go backwards.
	frameSeq *atomic.Uint64

	fsm *Machine

	mu           sync.Mutex
	started      bool
	scenarios    []engine.Scenario
	flags        engine.Flags
	index        int
	conn         engine.Conn
	gen          uint64
	transCancel  context.CancelFunc
	streamCancel context.CancelFunc
	statusSeq    uint64
	last         Status
	lastErr      error
	tearingDown  bool

	// workers tracks transition, frame pump and control forwarder goroutines.
	workers     sync.WaitGroup
	onRelease   func(*Runner)
	releaseOnce sync.Once
	done        chan struct{}
}

// ID returns the runner id.
func (r *Runner) ID() string { return r.id }

// Tenant returns the owning tenant.
func (r *Runner) Tenant() string { return r.tenant }

// Hub returns the broadcast hub viewers subscribe to.
func (r *Runner) Hub() *broadcast.Hub { return r.hub }

// Done is closed once the runner has returned to Idle and been released.
func (r *Runner) Done() <-chan struct{} { return r.done }

// State returns the current state.
func (r *Runner) State() State { return r.fsm.State() }

// History returns the transitions taken so far.
func (r *Runner) History() []Transition { return r.fsm.History() }

// Status returns the most recently published status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Err returns the failure that ended the session, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// OfferControl implements control.Target. Commands are only accepted while
// Running; the slot keeps the latest one for the forwarder.
func (r *Runner) OfferControl(cmd control.Command) bool {
	if r.fsm.State() != StateRunning {
		return false
	}
	r.slot.Offer(cmd)
	return true
}

// Stop cancels any in-flight start or skip, releases the engine connection
// and returns the runner to Idle. It returns as soon as the stop is accepted.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.fsm.State() {
	case StateIdle:
		return ErrNotRunning
	case StateStopping, StateError:
		r.noticeLocked(ErrTransitionInProgress)
		return ErrTransitionInProgress
	}
	if r.tearingDown {
		r.noticeLocked(ErrTransitionInProgress)
		return ErrTransitionInProgress
	}

	from := r.fsm.State()
	r.cancelWorkLocked()
	if err := r.transitionLocked(StateStopping, CommandStop, "stopping session", nil); err != nil {
		return err
	}
	r.log.Info(ctx, "runner stopping", logging.String("from", from.String()))
	r.teardownLocked(CommandStop, "session stopped")
	return nil
}

// Skip abandons the current scenario and loads the next one. The last and
// the only scenario cannot be skipped.
func (r *Runner) Skip(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := r.fsm.State(); {
	case st == StateIdle:
		return ErrNotRunning
	case st != StateRunning:
		r.noticeLocked(ErrTransitionInProgress)
		return ErrTransitionInProgress
	}
	if !CanSkip(r.index, len(r.scenarios)) {
		r.noticeLocked(ErrCannotSkip)
		return ErrCannotSkip
	}

	next := r.scenarios[r.index+1]
	r.log.Info(ctx, "runner skipping scenario",
		logging.String("from_scenario", r.scenarios[r.index].Name),
		logging.String("to_scenario", next.Name),
	)
	return r.beginSkipLocked(ctx, CommandSkip, fmt.Sprintf("skipping to scenario %s", next.Name))
}

// start moves a fresh runner into Starting and launches the connect/load.
func (r *Runner) start(ctx context.Context, scenarios []engine.Scenario, flags engine.Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyRunning
	}
	r.started = true
	r.scenarios = append([]engine.Scenario(nil), scenarios...)
	r.flags = flags
	r.index = 0

	msg := fmt.Sprintf("connecting to engine at %s", r.cfg.Engine.Addr())
	if err := r.transitionLocked(StateStarting, CommandStart, msg, nil); err != nil {
		return err
	}
	tctx, gen := r.beginTransitionLocked()
	r.workers.Add(1)
	go r.runStart(tctx, gen, trace.LinkFromContext(ctx))
	go r.watch()
	return nil
}

func (r *Runner) runStart(ctx context.Context, gen uint64, link trace.Link) {
	defer r.workers.Done()

	ctx, span := r.tracer.Start(ctx, "runner.start",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("tenant", r.tenant),
			attribute.String("runner.id", r.id),
			attribute.Int("scenarios", len(r.scenarios)),
		),
	)
	defer span.End()

	conn, err := engine.Connect(ctx, r.cfg.Dialer, r.cfg.Engine, func(err error, next time.Duration) {
		r.observeConnect("retry")
		r.log.Debug(ctx, "engine connect attempt failed",
			logging.Err(err),
			logging.Duration("retry_in", next),
		)
	})
	if err != nil {
		if ctx.Err() == nil {
			r.observeConnect("failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, "engine unavailable")
		}
		r.finishStart(gen, nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err))
		return
	}
	r.observeConnect("connected")

	first := r.scenarios[0]
	if err := conn.LoadScenario(ctx, first, r.flags); err != nil {
		span.RecordError(err)
		r.finishStart(gen, conn, fmt.Errorf("%w: %s: %w", ErrScenarioLoad, first.Name, err))
		return
	}
	r.finishStart(gen, conn, nil)
}

func (r *Runner) finishStart(gen uint64, conn engine.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen || r.fsm.State() != StateStarting {
		// Cancelled by stop or a timeout; the connection is ours to drop.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	r.endTransitionLocked()

	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		r.failLocked(err)
		return
	}

	r.conn = conn
	name := r.scenarios[r.index].Name
	if err := r.transitionLocked(StateRunning, CommandStart, fmt.Sprintf("running scenario %s", name), nil); err != nil {
		r.log.Error(context.Background(), "unexpected transition failure", logging.Err(err))
		return
	}
	r.startStreamingLocked()
}

func (r *Runner) beginSkipLocked(ctx context.Context, cmd Command, msg string) error {
	r.index++
	next := r.scenarios[r.index]
	if err := r.transitionLocked(StateSkipping, cmd, msg, nil); err != nil {
		r.index--
		return err
	}
	tctx, gen := r.beginTransitionLocked()
	r.workers.Add(1)
	go r.runSkip(tctx, gen, r.conn, next, trace.LinkFromContext(ctx))
	return nil
}

func (r *Runner) runSkip(ctx context.Context, gen uint64, conn engine.Conn, next engine.Scenario, link trace.Link) {
	defer r.workers.Done()

	ctx, span := r.tracer.Start(ctx, "runner.load_scenario",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("tenant", r.tenant),
			attribute.String("runner.id", r.id),
			attribute.String("scenario", next.Name),
		),
	)
	defer span.End()

	err := conn.LoadScenario(ctx, next, r.flags)
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("%w: %s: %w", ErrScenarioLoad, next.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.fsm.State() != StateSkipping {
		return
	}
	r.endTransitionLocked()
	if err != nil {
		r.failLocked(err)
		return
	}
	_ = r.transitionLocked(StateRunning, CommandSkip, fmt.Sprintf("running scenario %s", next.Name), nil)
}

// scenarioComplete handles the engine reporting that the current scenario
// finished on its own. It reports whether the event was acted on.
func (r *Runner) scenarioComplete(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fsm.State() != StateRunning {
		return false
	}
	done := r.scenarios[r.index].Name
	if CanSkip(r.index, len(r.scenarios)) {
		next := r.scenarios[r.index+1].Name
		_ = r.beginSkipLocked(ctx, CommandComplete, fmt.Sprintf("scenario %s complete; loading %s", done, next))
		return true
	}

	r.cancelWorkLocked()
	_ = r.transitionLocked(StateSkipping, CommandComplete, fmt.Sprintf("scenario %s complete; no scenarios remain", done), nil)
	r.teardownLocked(CommandComplete, "all scenarios complete")
	return true
}

// fail moves the runner to Error and tears it down. Failures while already
// stopping or idle are ignored.
func (r *Runner) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *Runner) failLocked(err error) {
	switch r.fsm.State() {
	case StateIdle, StateStopping, StateError:
		return
	}
	if r.tearingDown {
		return
	}
	r.cancelWorkLocked()
	r.lastErr = err
	r.log.Warn(context.Background(), "runner failed", logging.Err(err))
	if tErr := r.transitionLocked(StateError, CommandFail, err.Error(), err); tErr != nil {
		r.log.Error(context.Background(), "unexpected transition failure", logging.Err(tErr))
	}
	r.teardownLocked(CommandFail, "session ended after error")
}

func (r *Runner) teardownLocked(cmd Command, msg string) {
	r.tearingDown = true
	go r.teardown(cmd, msg)
}

// teardown releases the engine connection, waits for every worker and then
// returns the runner to Idle and out of the registry.
func (r *Runner) teardown(cmd Command, msg string) {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	r.workers.Wait()

	r.mu.Lock()
	if err := r.transitionLocked(StateIdle, cmd, msg, nil); err != nil {
		r.log.Error(context.Background(), "unexpected transition failure", logging.Err(err))
	}
	r.mu.Unlock()

	r.release()
}

func (r *Runner) release() {
	r.releaseOnce.Do(func() {
		if r.onRelease != nil {
			r.onRelease(r)
		}
		close(r.done)
	})
}

// startStreamingLocked launches the frame pump and the control forwarder for
// the current connection.
func (r *Runner) startStreamingLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	r.streamCancel = cancel
	conn := r.conn

	var cm control.MetricsRecorder
	if m, ok := r.metrics.(control.MetricsRecorder); ok {
		cm = m
	}
	fwd := control.NewForwarder(r.slot, engineSink{r: r, conn: conn}, r.cfg.Control, r.log, cm)

	r.workers.Add(2)
	go r.pump(ctx, conn)
	go func() {
		defer r.workers.Done()
		_ = fwd.Run(ctx)
	}()
}

// pump reads frames from the engine, encodes them and publishes them to the
// hub. It keeps running through skips so viewers are never starved.
func (r *Runner) pump(ctx context.Context, conn engine.Conn) {
	defer r.workers.Done()

	for {
		img, err := conn.ReadFrame(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrScenarioComplete):
			if !r.scenarioComplete(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
			continue
		default:
			r.fail(fmt.Errorf("%w: %w", ErrEngineLost, err))
			return
		}

		f, err := r.codec.Encode(r.frameSeq.Add(1), img)
		if err != nil {
			r.log.Warn(ctx, "frame encode failed", logging.Err(err))
			continue
		}
		r.hub.PublishFrame(f)
		if r.metrics != nil {
			r.metrics.ObserveFramePublished()
		}
	}
}

// watch repeats the current status while a transition is in flight and fails
// transitions that exceed the timeout.
func (r *Runner) watch() {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			r.checkTransition()
		}
	}
}

func (r *Runner) checkTransition() {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.fsm.State()
	if !st.Transitional() {
		return
	}
	elapsed := r.fsm.InStateFor()
	if st != StateStopping && r.cfg.TransitionTimeout > 0 && elapsed >= r.cfg.TransitionTimeout {
		r.failLocked(fmt.Errorf("%w: %s for %s", ErrTransitionTimeout, st, elapsed.Round(time.Millisecond)))
		return
	}
	r.publishLocked(r.fsm.Message(), nil, true)
}

func (r *Runner) beginTransitionLocked() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	r.gen++
	r.transCancel = cancel
	return ctx, r.gen
}

func (r *Runner) endTransitionLocked() {
	if r.transCancel != nil {
		r.transCancel()
		r.transCancel = nil
	}
}

// cancelWorkLocked aborts the in-flight transition and the streaming
// goroutines. Results of aborted work are discarded by generation.
func (r *Runner) cancelWorkLocked() {
	r.gen++
	r.endTransitionLocked()
	if r.streamCancel != nil {
		r.streamCancel()
		r.streamCancel = nil
	}
}

func (r *Runner) transitionLocked(to State, cmd Command, msg string, cause error) error {
	t, err := r.fsm.Transition(to, cmd, msg)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ObserveTransition(t.From.String(), t.To.String())
	}
	r.log.Debug(context.Background(), "runner transition",
		logging.String("from", t.From.String()),
		logging.String("to", t.To.String()),
		logging.String("command", string(cmd)),
	)
	r.publishLocked(msg, cause, false)
	return nil
}

// noticeLocked republishes the current state with err attached. Rejected
// commands surface this way without changing state.
func (r *Runner) noticeLocked(err error) {
	r.publishLocked(err.Error(), err, false)
}

func (r *Runner) notice(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noticeLocked(err)
}

func (r *Runner) publishLocked(msg string, cause error, heartbeat bool) {
	name := ""
	if r.index < len(r.scenarios) {
		name = r.scenarios[r.index].Name
	}
	st := NewStatus(r.fsm.State(), msg, r.index, len(r.scenarios), name)
	r.statusSeq++
	st.Seq = r.statusSeq
	st.RunnerID = r.id
	st.Timestamp = r.clock.Now()
	st.Heartbeat = heartbeat
	if cause != nil {
		st.Error = cause.Error()
		st.Code = Code(cause)
	}
	r.last = st

	payload, err := st.Marshal()
	if err != nil {
		r.log.Error(context.Background(), "status marshal failed", logging.Err(err))
		return
	}
	r.hub.PublishStatus(payload)
}

// finishing reports whether the runner is on its way back to Idle.
func (r *Runner) finishing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tearingDown {
		return true
	}
	switch r.fsm.State() {
	case StateStopping, StateError:
		return true
	case StateIdle:
		return r.started
	}
	return false
}

func (r *Runner) observeConnect(result string) {
	if r.metrics != nil {
		r.metrics.ObserveEngineConnect(result)
	}
}

// engineSink applies forwarded commands to the engine while Running.
type engineSink struct {
	r    *Runner
	conn engine.Conn
}

func (s engineSink) ApplyControl(ctx context.Context, cmd control.Command) error {
	if s.r.State() != StateRunning {
		return nil
	}
	cmd.RunnerID = s.r.id
	return s.conn.ApplyControl(ctx, cmd)
}
