package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/simrunner/internal/logging"
	"golang.org/x/time/rate"
)

// Result labels recorded for every submitted or forwarded command.
const (
	ResultAccepted     = "accepted"
	ResultDiscarded    = "discarded"
	ResultInvalidRange = "invalid_range"
	ResultUnauthorized = "unauthorized"
	ResultForwarded    = "forwarded"
	ResultApplyError   = "apply_error"
	ResultNeutral      = "neutral"
)

// MetricsRecorder receives per-command outcomes.
type MetricsRecorder interface {
	ObserveControlCommand(result string)
}

// Target is the runner-side view the relay needs: ownership for
// authorization, and a non-blocking offer into the runner's control slot.
type Target interface {
	ID() string
	Tenant() string
	// OfferControl hands cmd to the runner. It returns false when the runner
	// is not Running and the command was discarded.
	OfferControl(cmd Command) bool
}

// Relay validates commands from control connections and offers them to the
// owning runner.
type Relay struct {
	log     logging.Logger
	metrics MetricsRecorder
}

// NewRelay constructs a Relay. Both arguments are optional.
func NewRelay(log logging.Logger, metrics MetricsRecorder) *Relay {
	if log == nil {
		log = logging.Noop()
	}
	return &Relay{log: log, metrics: metrics}
}

// Submit validates cmd on behalf of tenant and offers it to target.
//
// It fails with ErrUnauthorized when target belongs to another tenant and with
// ErrInvalidRange when any value is outside its domain. A nil target, or a
// target that is not Running, accepts the command and silently drops it so a
// client that streams input continuously does not trigger an error flood.
func (r *Relay) Submit(ctx context.Context, tenant string, target Target, cmd Command) error {
	if target != nil && target.Tenant() != tenant {
		r.observe(ResultUnauthorized)
		r.log.Warn(ctx, "control command rejected: tenant does not own runner",
			logging.String("tenant", tenant),
			logging.String("runner_id", target.ID()),
		)
		return fmt.Errorf("%w: runner %s", ErrUnauthorized, target.ID())
	}

	if err := cmd.Validate(); err != nil {
		r.observe(ResultInvalidRange)
		return err
	}
	cmd = cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		r.observe(ResultInvalidRange)
		return err
	}
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now()
	}

	if target == nil || !target.OfferControl(cmd) {
		r.observe(ResultDiscarded)
		return nil
	}
	r.observe(ResultAccepted)
	return nil
}

func (r *Relay) observe(result string) {
	if r.metrics != nil {
		r.metrics.ObserveControlCommand(result)
	}
}

// Sink applies a command to the engine connection.
type Sink interface {
	ApplyControl(ctx context.Context, cmd Command) error
}

// ForwarderConfig bounds how often commands reach the engine.
type ForwarderConfig struct {
	// RateHz is the maximum number of commands forwarded per second.
	RateHz float64
	// StaleAfter is how long a keyboard or gamepad may stay silent before a
	// neutral command is forwarded. Zero disables the watchdog.
	StaleAfter time.Duration
}

// DefaultForwarderConfig returns the production defaults.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{RateHz: 60, StaleAfter: 500 * time.Millisecond}
}

// Forwarder drains a Slot into a Sink at a bounded rate. Because it waits on
// the limiter before taking from the slot, every forwarded command is the most
// recent one offered.
type Forwarder struct {
	slot       *Slot
	sink       Sink
	limiter    *rate.Limiter
	staleAfter time.Duration
	log        logging.Logger
	metrics    MetricsRecorder

	last       Command
	forwarded  atomic.Uint64
	neutralled bool
}

// NewForwarder wires slot to sink.
func NewForwarder(slot *Slot, sink Sink, cfg ForwarderConfig, log logging.Logger, metrics MetricsRecorder) *Forwarder {
	if log == nil {
		log = logging.Noop()
	}
	limit := rate.Inf
	if cfg.RateHz > 0 {
		limit = rate.Limit(cfg.RateHz)
	}
	return &Forwarder{
		slot:       slot,
		sink:       sink,
		limiter:    rate.NewLimiter(limit, 1),
		staleAfter: cfg.StaleAfter,
		log:        log,
		metrics:    metrics,
	}
}

// Run forwards commands until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	stale := time.NewTimer(time.Hour)
	stale.Stop()
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-f.slot.Ready():
			if err := f.limiter.Wait(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return ctx.Err()
				}
				return err
			}
			cmd, ok := f.slot.Take()
			if !ok {
				continue
			}
			f.apply(ctx, cmd, ResultForwarded)
			f.neutralled = false
			if f.staleAfter > 0 && cmd.ControllerType != ControllerAutopilot {
				stale.Reset(f.staleAfter)
			}

		case <-stale.C:
			if f.neutralled {
				continue
			}
			f.neutralled = true
			f.log.Debug(ctx, "control input went stale; forwarding neutral command",
				logging.String("controller_type", string(f.last.ControllerType)),
			)
			f.apply(ctx, Neutral(f.last.ControllerType, f.last.Gear), ResultNeutral)
		}
	}
}

// Forwarded returns how many commands reached the sink.
func (f *Forwarder) Forwarded() uint64 { return f.forwarded.Load() }

func (f *Forwarder) apply(ctx context.Context, cmd Command, result string) {
	if err := f.sink.ApplyControl(ctx, cmd); err != nil {
		if f.metrics != nil {
			f.metrics.ObserveControlCommand(ResultApplyError)
		}
		f.log.Warn(ctx, "apply control failed", logging.Err(err))
		return
	}
	f.last = cmd
	f.forwarded.Add(1)
	if f.metrics != nil {
		f.metrics.ObserveControlCommand(result)
	}
}
