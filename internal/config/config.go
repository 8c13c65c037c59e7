// Package config handles YAML configuration for simrunner-server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/simrunner/internal/broadcast"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/engine"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"github.com/signalsfoundry/simrunner/internal/observability"
	"github.com/signalsfoundry/simrunner/internal/runner"
)

// Config is the root configuration structure.
type Config struct {
	Listen  ListenConfig                `yaml:"listen"`
	Logging LoggingConfig               `yaml:"logging"`
	Engine  EngineConfig                `yaml:"engine"`
	Stream  StreamConfig                `yaml:"stream"`
	Control ControlConfig               `yaml:"control"`
	Runner  RunnerConfig                `yaml:"runner"`
	Session SessionConfig               `yaml:"session"`
	Tenants []TenantConfig              `yaml:"tenants"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// ListenConfig holds listener addresses. An empty address disables it.
type ListenConfig struct {
	HTTP    string `yaml:"http"`
	GRPC    string `yaml:"grpc"`
	Metrics string `yaml:"metrics"`
}

// LoggingConfig is applied when LOG_LEVEL / LOG_FORMAT are unset.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig describes how runners reach the simulation engine.
type EngineConfig struct {
	// Kind selects the dialer. Only "synthetic" is built in.
	Kind           string          `yaml:"kind"`
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	RetryInitial   time.Duration   `yaml:"retry_initial_interval"`
	RetryMax       time.Duration   `yaml:"retry_max_interval"`
	Synthetic      SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig shapes the built-in engine.
type SyntheticConfig struct {
	FPS              int           `yaml:"fps"`
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	ScenarioDuration time.Duration `yaml:"scenario_duration"`
	LoadDelay        time.Duration `yaml:"load_delay"`
}

// StreamConfig controls frame encoding and per-viewer delivery.
type StreamConfig struct {
	MaxFPS        float64       `yaml:"max_fps"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	StatusBuffer  int           `yaml:"status_buffer"`
	FrameFormat   string        `yaml:"frame_format"`
	JPEGQuality   int           `yaml:"jpeg_quality"`
	FrameEncoding string        `yaml:"frame_encoding"`
}

// ControlConfig bounds driver input forwarding.
type ControlConfig struct {
	RateHz     float64       `yaml:"rate_hz"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// RunnerConfig holds transition bounds.
type RunnerConfig struct {
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StopGrace         time.Duration `yaml:"stop_grace"`
}

// SessionConfig covers socket keepalive and the client reconnect policy.
type SessionConfig struct {
	PingInterval time.Duration   `yaml:"ping_interval"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the policy advertised to viewer clients.
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// TenantConfig maps bearer tokens to a tenant.
type TenantConfig struct {
	ID     string   `yaml:"id"`
	Tokens []string `yaml:"tokens"`
}

// Default returns a configuration that runs a synthetic engine with one
// development tenant.
func Default() *Config {
	conn := engine.DefaultConnectConfig()
	syn := engine.DefaultSyntheticConfig()
	bc := broadcast.DefaultOptions()
	fwd := control.DefaultForwarderConfig()
	rc := runner.DefaultConfig()

	return &Config{
		Listen: ListenConfig{
			HTTP:    ":8080",
			GRPC:    ":50051",
			Metrics: ":9090",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			Kind:           "synthetic",
			Host:           conn.Host,
			Port:           conn.Port,
			ConnectTimeout: conn.Timeout,
			RetryInitial:   conn.InitialInterval,
			RetryMax:       conn.MaxInterval,
			Synthetic: SyntheticConfig{
				FPS:              syn.FPS,
				Width:            syn.Width,
				Height:           syn.Height,
				ScenarioDuration: 2 * time.Minute,
			},
		},
		Stream: StreamConfig{
			MaxFPS:        bc.MaxFPS,
			WriteTimeout:  bc.WriteTimeout,
			StatusBuffer:  bc.StatusBuffer,
			FrameFormat:   framecodec.FormatJPEG.String(),
			JPEGQuality:   framecodec.DefaultJPEGQuality,
			FrameEncoding: string(framecodec.EncodingBinary),
		},
		Control: ControlConfig{RateHz: fwd.RateHz, StaleAfter: fwd.StaleAfter},
		Runner: RunnerConfig{
			TransitionTimeout: rc.TransitionTimeout,
			HeartbeatInterval: rc.HeartbeatInterval,
			StopGrace:         rc.StopGrace,
		},
		Session: SessionConfig{
			PingInterval: 20 * time.Second,
			Reconnect: ReconnectConfig{
				MaxAttempts:  10,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
		},
		Tenants: []TenantConfig{{ID: "dev", Tokens: []string{"dev-token"}}},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load reads and parses a YAML configuration file on top of Default. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Engine.Kind != "synthetic":
		return fmt.Errorf("%w: engine.kind %q not supported", ErrInvalid, c.Engine.Kind)
	case c.Engine.ConnectTimeout <= 0:
		return fmt.Errorf("%w: engine.connect_timeout must be positive", ErrInvalid)
	case c.Engine.Synthetic.FPS <= 0:
		return fmt.Errorf("%w: engine.synthetic.fps must be positive", ErrInvalid)
	case c.Engine.Synthetic.Width <= 0 || c.Engine.Synthetic.Height <= 0:
		return fmt.Errorf("%w: engine.synthetic dimensions must be positive", ErrInvalid)
	case c.Stream.MaxFPS < 0:
		return fmt.Errorf("%w: stream.max_fps must not be negative", ErrInvalid)
	case c.Stream.StatusBuffer <= 0:
		return fmt.Errorf("%w: stream.status_buffer must be positive", ErrInvalid)
	case c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100:
		return fmt.Errorf("%w: stream.jpeg_quality must be in [1,100]", ErrInvalid)
	case c.Control.RateHz <= 0:
		return fmt.Errorf("%w: control.rate_hz must be positive", ErrInvalid)
	case c.Runner.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: runner.heartbeat_interval must be positive", ErrInvalid)
	case c.Runner.TransitionTimeout < 0:
		return fmt.Errorf("%w: runner.transition_timeout must not be negative", ErrInvalid)
	case c.Session.Reconnect.MaxAttempts < 0:
		return fmt.Errorf("%w: session.reconnect.max_attempts must not be negative", ErrInvalid)
	}
	if _, err := framecodec.ParseFormat(c.Stream.FrameFormat); err != nil {
		return fmt.Errorf("%w: stream.frame_format: %v", ErrInvalid, err)
	}
	if _, err := framecodec.ParseEncoding(c.Stream.FrameEncoding); err != nil {
		return fmt.Errorf("%w: stream.frame_encoding: %v", ErrInvalid, err)
	}

	seen := make(map[string]string)
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("%w: tenant without id", ErrInvalid)
		}
		for _, tok := range t.Tokens {
			if tok == "" {
				return fmt.Errorf("%w: tenant %q has an empty token", ErrInvalid, t.ID)
			}
			if owner, dup := seen[tok]; dup && owner != t.ID {
				return fmt.Errorf("%w: token shared by tenants %q and %q", ErrInvalid, owner, t.ID)
			}
			seen[tok] = t.ID
		}
	}
	return nil
}

// LoggingDefaults converts the logging section for logging.NewFromEnv.
func (c *Config) LoggingDefaults() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// TracingConfig returns the tracing section with SIMRUNNER_TRACING_* env
// overrides applied.
func (c *Config) TracingConfig() observability.TracingConfig {
	return observability.ApplyTracingEnv(c.Tracing)
}

// ConnectConfig converts the engine section.
func (c *Config) ConnectConfig() engine.ConnectConfig {
	return engine.ConnectConfig{
		Host:            c.Engine.Host,
		Port:            c.Engine.Port,
		Timeout:         c.Engine.ConnectTimeout,
		InitialInterval: c.Engine.RetryInitial,
		MaxInterval:     c.Engine.RetryMax,
	}
}

// SyntheticConfig converts the synthetic engine section.
func (c *Config) SyntheticConfig() engine.SyntheticConfig {
	s := c.Engine.Synthetic
	return engine.SyntheticConfig{
		FPS:              s.FPS,
		Width:            s.Width,
		Height:           s.Height,
		ScenarioDuration: s.ScenarioDuration,
		LoadDelay:        s.LoadDelay,
	}
}

// BroadcastOptions converts the stream section. Log and Metrics are left for
// the caller.
func (c *Config) BroadcastOptions() broadcast.Options {
	return broadcast.Options{
		MaxFPS:       c.Stream.MaxFPS,
		StatusBuffer: c.Stream.StatusBuffer,
		WriteTimeout: c.Stream.WriteTimeout,
	}
}

// FrameEncoding returns the default viewer frame encoding.
func (c *Config) FrameEncoding() framecodec.Encoding {
	enc, err := framecodec.ParseEncoding(c.Stream.FrameEncoding)
	if err != nil {
		return framecodec.EncodingBinary
	}
	return enc
}

// RunnerConfig assembles a runner.Config around dialer.
func (c *Config) RunnerConfig(dialer engine.Dialer) runner.Config {
	format, err := framecodec.ParseFormat(c.Stream.FrameFormat)
	if err != nil {
		format = framecodec.FormatJPEG
	}
	return runner.Config{
		Engine:            c.ConnectConfig(),
		Dialer:            dialer,
		FrameFormat:       format,
		JPEGQuality:       c.Stream.JPEGQuality,
		Control:           control.ForwarderConfig{RateHz: c.Control.RateHz, StaleAfter: c.Control.StaleAfter},
		Broadcast:         c.BroadcastOptions(),
		TransitionTimeout: c.Runner.TransitionTimeout,
		HeartbeatInterval: c.Runner.HeartbeatInterval,
		StopGrace:         c.Runner.StopGrace,
	}
}

// TenantTokens flattens the tenants section into token -> tenant.
func (c *Config) TenantTokens() map[string]string {
	out := make(map[string]string)
	for _, t := range c.Tenants {
		for _, tok := range t.Tokens {
			out[tok] = t.ID
		}
	}
	return out
}
