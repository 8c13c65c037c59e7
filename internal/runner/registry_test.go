package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/timectrl"
)

func testConfig(d engine.Dialer) Config {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.Engine = engine.ConnectConfig{
		Host:            "sim",
		Port:            2000,
		Timeout:         time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}
	cfg.FrameFormat = framecodec.FormatPNG
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.TransitionTimeout = 5 * time.Second
	cfg.StopGrace = 2 * time.Second
	cfg.Control = control.ForwarderConfig{RateHz: 500}
	cfg.Broadcast = broadcast.Options{StatusBuffer: 1024}
	return cfg
}

func newTestRegistry(t *testing.T, cfg Config, opts ...RegistryOption) *Registry {
	t.Helper()
	g, err := NewRegistry(cfg, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func syntheticEngine() *engine.Synthetic {
	return engine.NewSynthetic(engine.SyntheticConfig{FPS: 100, Width: 8, Height: 8, KeepConns: true})
}

func scenarios(names ...string) []engine.Scenario {
	out := make([]engine.Scenario, len(names))
	for i, n := range names {
		out[i] = engine.Scenario{Name: n}
	}
	return out
}

func waitState(t *testing.T, rn *Runner, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rn.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("runner stuck in %s, want %s", rn.State(), want)
}

func waitDone(t *testing.T, rn *Runner) {
	t.Helper()
	select {
	case <-rn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("runner not released; state %s", rn.State())
	}
}

func assertValidPath(t *testing.T, rn *Runner) {
	t.Helper()
	prev := StateIdle
	for _, tr := range rn.History() {
		if tr.From != prev {
			t.Fatalf("history discontinuity: %s then %s -> %s", prev, tr.From, tr.To)
		}
		if !ValidTransition(tr.From, tr.To) {
			t.Fatalf("undefined edge %s -> %s", tr.From, tr.To)
		}
		prev = tr.To
	}
}

func visited(rn *Runner, s State) bool {
	for _, tr := range rn.History() {
		if tr.To == s {
			return true
		}
	}
	return false
}

// viewer records what a runner hub delivers.
type viewer struct {
	mu       sync.Mutex
	statuses []Status
	seqs     []uint64
}

func (v *viewer) WriteStatus(_ context.Context, payload []byte) error {
	var st Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return err
	}
	v.mu.Lock()
	v.statuses = append(v.statuses, st)
	v.mu.Unlock()
	return nil
}

func (v *viewer) WriteFrame(_ context.Context, f *framecodec.Frame) error {
	v.mu.Lock()
	v.seqs = append(v.seqs, f.Seq)
	v.mu.Unlock()
	return nil
}

func (v *viewer) Close() error { return nil }

func (v *viewer) snapshot() ([]Status, []uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Status(nil), v.statuses...), append([]uint64(nil), v.seqs...)
}

func (v *viewer) hasCode(code string) bool {
	st, _ := v.snapshot()
	for _, s := range st {
		if s.Code == code {
			return true
		}
	}
	return false
}

func attachViewer(v *viewer) Hooks {
	return Hooks{OnCreated: func(rn *Runner) {
		_ = rn.Hub().Subscribe("viewer", v, broadcast.SubscribeOptions{})
	}}
}

func TestConcurrentStartExactlyOneWins(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		already int
		ids     = map[string]bool{}
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyRunning):
				already++
			default:
				t.Errorf("unexpected Start error: %v", err)
			}
			if rn != nil {
				ids[rn.ID()] = true
			}
		}()
	}
	close(start)
	wg.Wait()

	if won != 1 || already != callers-1 {
		t.Fatalf("won=%d already=%d, want 1 and %d", won, already, callers-1)
	}
	if len(ids) != 1 {
		t.Fatalf("callers observed %d distinct runners, want 1", len(ids))
	}
	if g.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", g.Len())
	}
}

func TestTenantsAreIndependent(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))
	ctx := context.Background()

	a, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start acme: %v", err)
	}
	b, err := g.Start(ctx, "globex", scenarios("b"), nil)
	if err != nil {
		t.Fatalf("Start globex: %v", err)
	}
	waitState(t, a, StateRunning)
	waitState(t, b, StateRunning)

	if err := g.Stop(ctx, "acme"); err != nil {
		t.Fatalf("Stop acme: %v", err)
	}
	waitDone(t, a)
	if b.State() != StateRunning {
		t.Fatalf("stopping acme affected globex: %s", b.State())
	}
}

func TestStopDuringStartingNeverRuns(t *testing.T) {
	var (
		mu     sync.Mutex
		dialed bool
	)
	blocking := engine.DialerFunc(func(ctx context.Context, _ string, _ int) (engine.Conn, error) {
		mu.Lock()
		dialed = true
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := newTestRegistry(t, testConfig(blocking))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a", "b"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rn.State() != StateStarting {
		t.Fatalf("State() = %s right after Start, want starting", rn.State())
	}
	if err := g.Skip(ctx, "acme"); !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("Skip while starting = %v, want ErrTransitionInProgress", err)
	}

	if err := g.Stop(ctx, "acme"); err != nil {
		t.Fatalf("Stop while starting: %v", err)
	}
	waitDone(t, rn)

	if visited(rn, StateRunning) {
		t.Fatalf("runner reached Running after stop during Starting")
	}
	if rn.State() != StateIdle {
		t.Fatalf("final state %s, want idle", rn.State())
	}
	assertValidPath(t, rn)
	if _, ok := g.Lookup("acme"); ok {
		t.Fatalf("runner still registered after stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if !dialed {
		t.Fatalf("dialer never called")
	}
}

func TestStopDuringSlowLoadClosesConnection(t *testing.T) {
	eng := engine.NewSynthetic(engine.SyntheticConfig{FPS: 100, Width: 8, Height: 8, LoadDelay: time.Second, KeepConns: true})
	g := newTestRegistry(t, testConfig(eng))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(eng.Conns()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := rn.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitDone(t, rn)

	if visited(rn, StateRunning) {
		t.Fatalf("runner reached Running")
	}
	for _, c := range eng.Conns() {
		if !c.Closed() {
			t.Fatalf("engine connection left open after stop")
		}
	}
}

func TestThreeScenarioSessionSkipsThenRestarts(t *testing.T) {
	eng := syntheticEngine()
	v := &viewer{}
	g := newTestRegistry(t, testConfig(eng), WithHooks(attachViewer(v)))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("town01", "town02", "town03"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, rn, StateRunning)

	for i := 1; i <= 2; i++ {
		if err := g.Skip(ctx, "acme"); err != nil {
			t.Fatalf("skip %d: %v", i, err)
		}
		waitState(t, rn, StateRunning)
		if st := rn.Status(); st.ScenarioIndex != i {
			t.Fatalf("after skip %d index = %d", i, st.ScenarioIndex)
		}
	}

	if err := g.Skip(ctx, "acme"); !errors.Is(err, ErrCannotSkip) {
		t.Fatalf("third skip = %v, want ErrCannotSkip", err)
	}
	if rn.State() != StateRunning {
		t.Fatalf("failed skip changed state to %s", rn.State())
	}

	if err := g.Stop(ctx, "acme"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	next, err := g.Start(ctx, "acme", scenarios("town01"), nil)
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if next.ID() == rn.ID() {
		t.Fatalf("restart reused the stopped runner")
	}
	waitDone(t, rn)
	assertValidPath(t, rn)

	conns := eng.Conns()
	if got := conns[0].Loads(); len(got) != 3 || got[2] != "town03" {
		t.Fatalf("engine loads = %v", got)
	}
	if !v.hasCode("cannot_skip") {
		t.Fatalf("rejected skip was not surfaced on the status stream")
	}
}

func TestSingleScenarioCannotBeSkipped(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("only"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, rn, StateRunning)
	if err := rn.Skip(ctx); !errors.Is(err, ErrCannotSkip) {
		t.Fatalf("Skip = %v, want ErrCannotSkip", err)
	}
	if st := rn.Status(); st.CanSkip {
		t.Fatalf("status advertises can_skip for a single scenario")
	}
}

func TestEngineLossReleasesSlot(t *testing.T) {
	eng := syntheticEngine()
	v := &viewer{}
	g := newTestRegistry(t, testConfig(eng), WithHooks(attachViewer(v)))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, rn, StateRunning)

	eng.Conns()[0].Drop()
	waitDone(t, rn)

	if !errors.Is(rn.Err(), ErrEngineLost) {
		t.Fatalf("Err() = %v, want ErrEngineLost", rn.Err())
	}
	if !visited(rn, StateError) {
		t.Fatalf("engine loss did not pass through Error")
	}
	assertValidPath(t, rn)
	if !v.hasCode("engine_lost") {
		t.Fatalf("engine loss was not reported to viewers")
	}

	if _, err := g.Start(ctx, "acme", scenarios("a"), nil); err != nil {
		t.Fatalf("tenant could not start again after engine loss: %v", err)
	}
}

func TestEngineUnavailableTearsDown(t *testing.T) {
	refused := engine.DialerFunc(func(context.Context, string, int) (engine.Conn, error) {
		return nil, engine.ErrRefused
	})
	v := &viewer{}
	g := newTestRegistry(t, testConfig(refused), WithHooks(attachViewer(v)))

	rn, err := g.Start(context.Background(), "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start should be accepted before the connect fails: %v", err)
	}
	waitDone(t, rn)

	if !errors.Is(rn.Err(), ErrEngineUnavailable) {
		t.Fatalf("Err() = %v, want ErrEngineUnavailable", rn.Err())
	}
	assertValidPath(t, rn)
	if !v.hasCode("engine_unavailable") {
		t.Fatalf("viewers were not told the engine is unavailable")
	}
}

func TestScenarioLoadFailureSurfacesError(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))

	list := []engine.Scenario{{Name: "a"}, {Name: "broken", Params: map[string]string{"fail": "load"}}}
	rn, err := g.Start(context.Background(), "acme", list, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, rn, StateRunning)
	if err := rn.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	waitDone(t, rn)
	if !errors.Is(rn.Err(), ErrScenarioLoad) {
		t.Fatalf("Err() = %v, want ErrScenarioLoad", rn.Err())
	}
	assertValidPath(t, rn)
}

func TestTransitionTimeout(t *testing.T) {
	clock := timectrl.NewManual(time.Unix(0, 0))
	blocking := engine.DialerFunc(func(ctx context.Context, _ string, _ int) (engine.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig(blocking)
	cfg.Engine.Timeout = time.Minute
	cfg.TransitionTimeout = 20 * time.Second
	v := &viewer{}
	g := newTestRegistry(t, cfg, WithClock(clock), WithHooks(attachViewer(v)))

	rn, err := g.Start(context.Background(), "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Heartbeats repeat the Starting status while the clock stands still.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := v.snapshot()
		if len(st) > 0 && st[len(st)-1].Heartbeat {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rn.State() != StateStarting {
		t.Fatalf("State() = %s before timeout", rn.State())
	}

	clock.Advance(21 * time.Second)
	waitDone(t, rn)

	if !errors.Is(rn.Err(), ErrTransitionTimeout) {
		t.Fatalf("Err() = %v, want ErrTransitionTimeout", rn.Err())
	}
	assertValidPath(t, rn)
	if !v.hasCode("transition_timeout") {
		t.Fatalf("timeout not surfaced on the status stream")
	}
}

func TestNaturalCompletionAdvancesThenEnds(t *testing.T) {
	eng := engine.NewSynthetic(engine.SyntheticConfig{FPS: 100, Width: 8, Height: 8, ScenarioDuration: 60 * time.Millisecond, KeepConns: true})
	g := newTestRegistry(t, testConfig(eng))

	rn, err := g.Start(context.Background(), "acme", scenarios("a", "b"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, rn)

	assertValidPath(t, rn)
	h := rn.History()
	last := h[len(h)-1]
	if last.From != StateSkipping || last.To != StateIdle || last.Command != CommandComplete {
		t.Fatalf("final transition %+v, want skipping -> idle on completion", last)
	}
	if rn.Err() != nil {
		t.Fatalf("natural completion recorded error %v", rn.Err())
	}
	if got := eng.Conns()[0].Loads(); len(got) != 2 {
		t.Fatalf("engine loads = %v, want both scenarios", got)
	}
}

// gatedCloseConn holds Close until gate is closed.
type gatedCloseConn struct {
	engine.Conn
	gate <-chan struct{}
}

func (c *gatedCloseConn) Close() error {
	<-c.gate
	return c.Conn.Close()
}

func TestStartAfterLastScenarioCompletesWaitsForTeardown(t *testing.T) {
	eng := engine.NewSynthetic(engine.SyntheticConfig{FPS: 100, Width: 8, Height: 8, ScenarioDuration: 40 * time.Millisecond})
	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate()

	first := true
	var dialMu sync.Mutex
	cfg := testConfig(engine.DialerFunc(func(ctx context.Context, host string, port int) (engine.Conn, error) {
		conn, err := eng.Dial(ctx, host, port)
		if err != nil {
			return nil, err
		}
		dialMu.Lock()
		defer dialMu.Unlock()
		if first {
			first = false
			return &gatedCloseConn{Conn: conn, gate: gate}, nil
		}
		return conn, nil
	}))
	g := newTestRegistry(t, cfg)
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The only scenario ends on its own; teardown is held in Close.
	waitState(t, rn, StateSkipping)

	go func() {
		time.Sleep(50 * time.Millisecond)
		openGate()
	}()
	next, err := g.Start(ctx, "acme", scenarios("b"), nil)
	if err != nil {
		t.Fatalf("Start during teardown: %v", err)
	}
	if next == rn {
		t.Fatalf("Start returned the finishing runner")
	}
	waitDone(t, rn)
	waitState(t, next, StateRunning)
}

func TestStatusStreamOrderAndProjection(t *testing.T) {
	v := &viewer{}
	g := newTestRegistry(t, testConfig(syntheticEngine()), WithHooks(attachViewer(v)))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a", "b"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, rn, StateRunning)
	_ = rn.Stop(ctx)
	waitDone(t, rn)

	statuses, frames := v.snapshot()
	if len(statuses) < 4 {
		t.Fatalf("got %d statuses, want at least starting, running, stopping, idle", len(statuses))
	}
	first := statuses[0]
	if first.State != "starting" || !first.IsStarting || first.TotalScenarios != 2 || first.ScenarioName != "a" {
		t.Fatalf("unexpected first status %+v", first)
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i].Seq <= statuses[i-1].Seq {
			t.Fatalf("status seq went from %d to %d", statuses[i-1].Seq, statuses[i].Seq)
		}
	}
	if final := statuses[len(statuses)-1]; final.State != "idle" {
		t.Fatalf("final status %q, want idle", final.State)
	}
	for _, st := range statuses {
		if st.State == "running" && !st.CanSkip {
			t.Fatalf("running status on scenario 0 of 2 should allow skip")
		}
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] <= frames[i-1] {
			t.Fatalf("frame seq went from %d to %d", frames[i-1], frames[i])
		}
	}
}

func TestControlAppliedOnlyWhileRunning(t *testing.T) {
	eng := syntheticEngine()
	g := newTestRegistry(t, testConfig(eng))
	ctx := context.Background()

	rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rn.OfferControl(control.Command{Steer: 0.3}) {
		t.Fatalf("command accepted while starting")
	}
	waitState(t, rn, StateRunning)

	relay := control.NewRelay(nil, nil)
	if err := relay.Submit(ctx, "acme", g.Target("acme"), control.Command{Steer: -1.0, Throttle: 0.4}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	conn := eng.Conns()[0]
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cmd, n := conn.LastControl(); n > 0 {
			if cmd.Steer != -1.0 || cmd.RunnerID != rn.ID() {
				t.Fatalf("engine got %+v", cmd)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("command never reached the engine")
}

func TestFrameSequenceContinuesAcrossRunners(t *testing.T) {
	v := &viewer{}
	g := newTestRegistry(t, testConfig(syntheticEngine()), WithHooks(attachViewer(v)))
	ctx := context.Background()

	run := func() {
		rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitState(t, rn, StateRunning)
		before := len(func() []uint64 { _, f := v.snapshot(); return f }())
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, f := v.snapshot(); len(f) > before+2 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		_ = rn.Stop(ctx)
		waitDone(t, rn)
	}
	run()
	run()

	_, frames := v.snapshot()
	if len(frames) < 6 {
		t.Fatalf("got %d frames across two sessions", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] <= frames[i-1] {
			t.Fatalf("frame seq went from %d to %d across sessions", frames[i-1], frames[i])
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))
	ctx := context.Background()

	if err := g.Release(ctx, "nobody"); err != nil {
		t.Fatalf("Release unknown tenant: %v", err)
	}
	rn, err := g.Start(ctx, "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Release(ctx, "acme"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := g.Release(ctx, "acme"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, ok := g.Lookup("acme"); ok {
		t.Fatalf("runner still registered")
	}
	assertValidPath(t, rn)
	g.release(rn)
}

func TestShutdownRefusesNewStarts(t *testing.T) {
	g, err := NewRegistry(testConfig(syntheticEngine()))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rn, err := g.Start(context.Background(), "acme", scenarios("a"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rn.State() != StateIdle {
		t.Fatalf("runner state %s after shutdown", rn.State())
	}
	if _, err := g.Start(context.Background(), "acme", scenarios("a"), nil); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Start after shutdown = %v, want ErrRegistryClosed", err)
	}
}

func TestEmptyScenarioListRejected(t *testing.T) {
	g := newTestRegistry(t, testConfig(syntheticEngine()))
	if _, err := g.Start(context.Background(), "acme", nil, nil); !errors.Is(err, ErrEmptyScenarioList) {
		t.Fatalf("Start(nil) = %v, want ErrEmptyScenarioList", err)
	}
	if err := g.Stop(context.Background(), "acme"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop without runner = %v, want ErrNotRunning", err)
	}
}
