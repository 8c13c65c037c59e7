// Package engine defines the connection to the external simulation engine and
// ships a synthetic in-process implementation for local runs and tests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/signalsfoundry/simrunner/internal/control"
)

var (
	// ErrScenarioComplete is returned by ReadFrame when the loaded scenario
	// has finished on its own. The connection stays usable.
	ErrScenarioComplete = errors.New("scenario complete")
	// ErrConnectionLost is returned once the engine connection is gone.
	ErrConnectionLost = errors.New("engine connection lost")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("engine connection closed")
	// ErrRefused marks a dial failure that retrying cannot fix.
	ErrRefused = errors.New("engine refused connection")
)

// Scenario is one entry of a runner's scenario queue. Route and obstacle
// generation live in the engine; the runner only forwards the name and
// parameters.
type Scenario struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Flags are session-wide options passed with every scenario load.
type Flags map[string]string

// Conn is a live engine connection owned by exactly one runner. Implementations
// must allow ReadFrame to run concurrently with LoadScenario and ApplyControl.
type Conn interface {
	// LoadScenario replaces the current world with scenario.
	LoadScenario(ctx context.Context, scenario Scenario, flags Flags) error
	// ApplyControl hands one driver input to the ego vehicle.
	ApplyControl(ctx context.Context, cmd control.Command) error
	// ReadFrame blocks until the next rendered camera image is available.
	ReadFrame(ctx context.Context) (image.Image, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens engine connections.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, port int) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, host string, port int) (Conn, error) {
	return f(ctx, host, port)
}

// ConnectConfig bounds how long Connect keeps trying.
type ConnectConfig struct {
	Host            string
	Port            int
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Addr renders host:port for logs.
func (c ConnectConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DefaultConnectConfig mirrors the production defaults.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		Host:            "localhost",
		Port:            2000,
		Timeout:         30 * time.Second,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Connect dials the engine with exponential backoff until it succeeds, the
// dialer returns ErrRefused, cfg.Timeout elapses, or ctx is cancelled.
// onAttempt, when non-nil, is invoked after every failed attempt.
func Connect(ctx context.Context, d Dialer, cfg ConnectConfig, onAttempt func(err error, next time.Duration)) (Conn, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: no dialer configured", ErrRefused)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectConfig().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}

	op := func() (Conn, error) {
		conn, err := d.Dial(ctx, cfg.Host, cfg.Port)
		if err != nil {
			if errors.Is(err, ErrRefused) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
	}
	if onAttempt != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			onAttempt(err, next)
		}))
	}

	conn, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Addr(), err)
	}
	return conn, nil
}
