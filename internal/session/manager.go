// Package session terminates viewer and control connections, resolves them
// to a tenant and wires them to that tenant's runner.
//
// Viewers of a tenant without a runner wait in a per-tenant lobby that only
// carries status events. When the registry creates a runner the lobby is
// emptied into the runner's hub; when the runner is released its surviving
// viewers move back to the lobby. Moves happen inside registry hooks, so a
// viewer never misses the first status of a new session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
	"github.com/signalsfoundry/simrunner/internal/runner"
)

var (
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("session manager closed")
	// ErrDisplaced is returned to a control connection that lost authority to
	// a newer one.
	ErrDisplaced = errors.New("control connection displaced")
)

// ConnectionRecorder receives connection lifecycle events.
type ConnectionRecorder interface {
	ConnectionOpened(kind string)
	ConnectionClosed(kind string, lifetime time.Duration)
	ConnectionMoved(from, to string)
}

// ControlHolder is a tenant's authoritative input connection.
type ControlHolder interface {
	ID() string
	// Displace closes the connection after a newer one took over.
	Displace()
}

// Registry is the part of runner.Registry the manager depends on.
type Registry interface {
	AddHooks(h runner.Hooks)
	Lookup(tenant string) (*runner.Runner, bool)
	LookupID(id string) (*runner.Runner, bool)
	Target(tenant string) control.Target
}

// ViewerOptions shape one viewer subscription.
type ViewerOptions struct {
	// ID names the viewer. A random id is used when empty.
	ID string
	// StatusOnly viewers never receive frames, even once promoted.
	StatusOnly bool
	// Kind labels the connection in metrics. Defaults to viewer.
	Kind string
}

type viewer struct {
	id      string
	sink    broadcast.Sink
	opts    ViewerOptions
	waiting bool
	opened  time.Time
}

func (v *viewer) metricKind() string {
	if v.waiting {
		return observability.KindWaiting
	}
	return v.opts.Kind
}

// tenantState is one tenant's connections. Its mutex serialises the
// tenant's viewer moves, which may wait on a slow sink; Manager.mu is never
// held while acquiring it.
type tenantState struct {
	name string

	mu      sync.Mutex
	gone    bool
	lobby   *broadcast.Hub
	runner  *runner.Runner
	viewers map[string]*viewer
	control ControlHolder
}

// Manager tracks every viewer and control connection per tenant.
type Manager struct {
	registry Registry
	relay    *control.Relay
	log      logging.Logger
	metrics  ConnectionRecorder
	lobby    broadcast.Options

	// mu guards the tenant map only. Lock order is tenantState.mu, then mu.
	mu      sync.Mutex
	tenants map[string]*tenantState
	closed  bool
}

// Option customises Manager construction.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches a connection recorder.
func WithMetrics(rec ConnectionRecorder) Option {
	return func(m *Manager) { m.metrics = rec }
}

// WithLobbyOptions sets the broadcast options of lobby hubs.
func WithLobbyOptions(opts broadcast.Options) Option {
	return func(m *Manager) { m.lobby = opts }
}

// NewManager constructs a manager and registers its hooks on registry.
func NewManager(registry Registry, relay *control.Relay, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		relay:    relay,
		log:      logging.Noop(),
		lobby:    broadcast.DefaultOptions(),
		tenants:  make(map[string]*tenantState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.relay == nil {
		m.relay = control.NewRelay(m.log, nil)
	}
	m.lobby.MaxFPS = 0
	if m.lobby.Log == nil {
		m.lobby.Log = m.log
	}
	registry.AddHooks(runner.Hooks{
		OnCreated:  m.promote,
		OnReleased: m.demote,
	})
	return m
}

// AttachViewer subscribes sink to tenant's output and returns the viewer id.
// Without an active runner the viewer waits in the lobby with status only.
func (m *Manager) AttachViewer(ctx context.Context, tenant string, sink broadcast.Sink, opts ViewerOptions) (string, error) {
	if opts.Kind == "" {
		opts.Kind = observability.KindViewer
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	v := &viewer{id: opts.ID, sink: sink, opts: opts, opened: time.Now()}

	ts, err := m.lockTenant(tenant, true)
	if err != nil {
		return "", err
	}
	defer ts.mu.Unlock()
	if _, dup := ts.viewers[v.id]; dup {
		return "", broadcast.ErrDuplicateSubscriber
	}

	attached := false
	if ts.runner != nil {
		err := ts.runner.Hub().Subscribe(v.id, sink, broadcast.SubscribeOptions{StatusOnly: opts.StatusOnly})
		switch {
		case err == nil:
			attached = true
		case !errors.Is(err, broadcast.ErrHubClosed):
			return "", err
		}
	}
	if !attached {
		if err := ts.lobby.Subscribe(v.id, sink, broadcast.SubscribeOptions{StatusOnly: true}); err != nil {
			return "", err
		}
		v.waiting = true
	}
	ts.viewers[v.id] = v
	m.connectionOpened(v.metricKind())
	m.log.Debug(ctx, "viewer attached",
		logging.String("tenant", tenant),
		logging.String("viewer_id", v.id),
		logging.Bool("waiting", v.waiting),
	)
	return v.id, nil
}

// DetachViewer unsubscribes and closes the viewer. It never touches runner
// state and is a no-op for unknown ids.
func (m *Manager) DetachViewer(tenant, id string) {
	ts, _ := m.lockTenant(tenant, false)
	if ts == nil {
		return
	}
	v, ok := ts.viewers[id]
	if !ok {
		ts.mu.Unlock()
		return
	}
	delete(ts.viewers, id)
	if v.waiting || ts.runner == nil {
		ts.lobby.Unsubscribe(id)
	} else {
		ts.runner.Hub().Unsubscribe(id)
	}
	kind := v.metricKind()
	m.pruneLocked(ts)
	ts.mu.Unlock()

	_ = v.sink.Close()
	m.connectionClosed(kind, time.Since(v.opened))
}

// Viewers returns how many of tenant's viewers are waiting and how many are
// attached to a runner.
func (m *Manager) Viewers(tenant string) (waiting, active int) {
	ts, _ := m.lockTenant(tenant, false)
	if ts == nil {
		return 0, 0
	}
	defer ts.mu.Unlock()
	for _, v := range ts.viewers {
		if v.waiting {
			waiting++
		} else {
			active++
		}
	}
	return waiting, active
}

// ClaimControl makes holder the tenant's authoritative control connection.
// A previous holder is displaced.
func (m *Manager) ClaimControl(tenant string, holder ControlHolder) error {
	ts, err := m.lockTenant(tenant, true)
	if err != nil {
		return err
	}
	prev := ts.control
	ts.control = holder
	ts.mu.Unlock()

	m.connectionOpened(observability.KindControl)
	if prev != nil && prev.ID() != holder.ID() {
		m.log.Info(context.Background(), "control connection displaced",
			logging.String("tenant", tenant),
			logging.String("control_id", prev.ID()),
			logging.String("by", holder.ID()),
		)
		prev.Displace()
	}
	return nil
}

// ReleaseControl drops holder if it is still authoritative.
func (m *Manager) ReleaseControl(tenant string, holder ControlHolder, lifetime time.Duration) {
	if ts, _ := m.lockTenant(tenant, false); ts != nil {
		if ts.control != nil && ts.control.ID() == holder.ID() {
			ts.control = nil
		}
		m.pruneLocked(ts)
		ts.mu.Unlock()
	}
	m.connectionClosed(observability.KindControl, lifetime)
}

// SubmitControl relays cmd from holder to tenant's runner. Commands pinned to
// a runner id are checked against the tenant; the rest go to the tenant's
// current runner, if any.
func (m *Manager) SubmitControl(ctx context.Context, tenant string, holder ControlHolder, cmd control.Command) error {
	authoritative := false
	if ts, _ := m.lockTenant(tenant, false); ts != nil {
		authoritative = ts.control != nil && ts.control.ID() == holder.ID()
		ts.mu.Unlock()
	}
	if !authoritative {
		return ErrDisplaced
	}

	var target control.Target
	if cmd.RunnerID != "" {
		if rn, ok := m.registry.LookupID(cmd.RunnerID); ok {
			target = rn
		}
	} else {
		target = m.registry.Target(tenant)
	}
	return m.relay.Submit(ctx, tenant, target, cmd)
}

// Close detaches every viewer and displaces every control connection. Runner
// hubs are closed by the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tenants := m.tenants
	m.tenants = make(map[string]*tenantState)
	m.mu.Unlock()

	for _, ts := range tenants {
		ts.mu.Lock()
		ts.gone = true
		rn, viewers, ctl := ts.runner, ts.viewers, ts.control
		ts.viewers = make(map[string]*viewer)
		ts.runner, ts.control = nil, nil
		ts.mu.Unlock()

		ts.lobby.Close()
		if rn != nil {
			for id := range viewers {
				rn.Hub().Unsubscribe(id)
			}
		}
		for _, v := range viewers {
			shutdown(v.sink)
			m.connectionClosed(v.metricKind(), time.Since(v.opened))
		}
		if ctl != nil {
			shutdown(ctl)
		}
	}
}

// shutdowner is implemented by connections that signal server shutdown to the
// peer differently from an ordinary close.
type shutdowner interface {
	Shutdown()
}

func shutdown(c any) {
	switch v := c.(type) {
	case shutdowner:
		v.Shutdown()
	case broadcast.Sink:
		_ = v.Close()
	case ControlHolder:
		v.Displace()
	}
}

// promote runs when the registry creates a runner: every waiting viewer of
// the tenant moves from the lobby to the runner's hub.
func (m *Manager) promote(rn *runner.Runner) {
	ts, err := m.lockTenant(rn.Tenant(), true)
	if err != nil {
		return
	}
	defer ts.mu.Unlock()
	ts.runner = rn

	moved := 0
	for id, v := range ts.viewers {
		if !v.waiting {
			continue
		}
		sink, ok := ts.lobby.Detach(id)
		if !ok {
			continue
		}
		if err := rn.Hub().Subscribe(id, sink, broadcast.SubscribeOptions{StatusOnly: v.opts.StatusOnly}); err != nil {
			m.log.Warn(context.Background(), "viewer promotion failed",
				logging.String("viewer_id", id),
				logging.Err(err),
			)
			_ = ts.lobby.Subscribe(id, sink, broadcast.SubscribeOptions{StatusOnly: true, SkipReplay: true})
			continue
		}
		v.waiting = false
		moved++
		m.connectionMoved(observability.KindWaiting, v.opts.Kind)
	}
	if moved > 0 {
		m.log.Info(context.Background(), "waiting viewers promoted",
			logging.String("tenant", rn.Tenant()),
			logging.String("runner_id", rn.ID()),
			logging.Int("viewers", moved),
		)
	}
}

// demote runs when the registry releases a runner: the runner's final status
// becomes the lobby's, and its surviving viewers move back to the lobby
// after every queued status has been flushed to them.
func (m *Manager) demote(rn *runner.Runner) {
	ts, _ := m.lockTenant(rn.Tenant(), false)
	if ts == nil {
		return
	}
	defer ts.mu.Unlock()
	if ts.runner != rn {
		return
	}
	ts.runner = nil

	if payload, err := rn.Status().Marshal(); err == nil {
		ts.lobby.PublishStatus(payload)
	}
	rn.Hub().CloseAndHandoff(func(id string, sink broadcast.Sink, _ broadcast.SubscribeOptions) {
		v, ok := ts.viewers[id]
		if !ok {
			_ = sink.Close()
			return
		}
		if err := ts.lobby.Subscribe(id, sink, broadcast.SubscribeOptions{StatusOnly: true, SkipReplay: true}); err != nil {
			_ = sink.Close()
			return
		}
		v.waiting = true
		m.connectionMoved(v.opts.Kind, observability.KindWaiting)
	})
	m.pruneLocked(ts)
}

// lockTenant returns tenant's state with its mutex held. Unknown tenants
// are created when create is set and reported as nil otherwise.
func (m *Manager) lockTenant(tenant string, create bool) (*tenantState, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		ts, ok := m.tenants[tenant]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil, nil
			}
			ts = m.newTenantLocked(tenant)
		}
		m.mu.Unlock()

		ts.mu.Lock()
		if !ts.gone {
			return ts, nil
		}
		// Pruned between the map lookup and the lock.
		ts.mu.Unlock()
	}
}

func (m *Manager) newTenantLocked(tenant string) *tenantState {
	ts := &tenantState{
		name:    tenant,
		lobby:   broadcast.NewHub("lobby/"+tenant, m.lobby),
		viewers: make(map[string]*viewer),
	}
	if payload, err := runner.IdleStatus("waiting for session").Marshal(); err == nil {
		ts.lobby.PublishStatus(payload)
	}
	m.tenants[tenant] = ts
	return ts
}

// pruneLocked forgets a tenant with no connections and no runner. ts.mu must
// be held.
func (m *Manager) pruneLocked(ts *tenantState) {
	if ts.runner != nil || ts.control != nil || len(ts.viewers) > 0 {
		return
	}
	ts.gone = true
	m.mu.Lock()
	if cur, ok := m.tenants[ts.name]; ok && cur == ts {
		delete(m.tenants, ts.name)
	}
	m.mu.Unlock()
	ts.lobby.Close()
}

func (m *Manager) connectionOpened(kind string) {
	if m.metrics != nil {
		m.metrics.ConnectionOpened(kind)
	}
}

func (m *Manager) connectionClosed(kind string, lifetime time.Duration) {
	if m.metrics != nil {
		m.metrics.ConnectionClosed(kind, lifetime)
	}
}

func (m *Manager) connectionMoved(from, to string) {
	if m.metrics != nil {
		m.metrics.ConnectionMoved(from, to)
	}
}
