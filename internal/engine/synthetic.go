package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/timectrl"
)

// SyntheticConfig shapes the frames and faults of a Synthetic engine.
type SyntheticConfig struct {
	FPS    int
	Width  int
	Height int

	// ScenarioDuration is how long a scenario runs before ReadFrame reports
	// ErrScenarioComplete. Zero means scenarios never finish on their own. A
	// scenario param "duration" overrides it.
	ScenarioDuration time.Duration
	// LoadDelay simulates world construction time in LoadScenario.
	LoadDelay time.Duration
	// DialDelay simulates a slow engine handshake.
	DialDelay time.Duration
	// FailDials makes the first N dials fail with a retryable error.
	FailDials int
	// DropAfter makes each connection report ErrConnectionLost once it has been
	// open this long. Zero disables it.
	DropAfter time.Duration
	// KeepConns retains closed connections for inspection through Conns.
	// Without it Conns only returns connections that are still open.
	KeepConns bool
}

// DefaultSyntheticConfig renders 640x360 at 30 fps with endless scenarios.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{FPS: 30, Width: 640, Height: 360}
}

// Synthetic is an in-process engine that renders a moving test pattern. It
// honours the Conn contract closely enough to drive every runner transition.
type Synthetic struct {
	cfg SyntheticConfig

	mu    sync.Mutex
	dials int
	conns []*SyntheticConn
}

// NewSynthetic constructs a Synthetic engine.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	return &Synthetic{cfg: cfg}
}

var errSyntheticDial = errors.New("synthetic engine not ready")

// Dial implements Dialer.
func (s *Synthetic) Dial(ctx context.Context, host string, port int) (Conn, error) {
	if s.cfg.DialDelay > 0 {
		t := time.NewTimer(s.cfg.DialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	s.dials++
	attempt := s.dials
	s.mu.Unlock()
	if attempt <= s.cfg.FailDials {
		return nil, fmt.Errorf("%w (attempt %d)", errSyntheticDial, attempt)
	}

	c := newSyntheticConn(s.cfg, host, port)
	if !s.cfg.KeepConns {
		c.onClose = func() { s.forget(c) }
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

func (s *Synthetic) forget(c *SyntheticConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.conns {
		if cur == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Dials returns how many dial attempts were made.
func (s *Synthetic) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Conns returns the tracked connections in dial order.
func (s *Synthetic) Conns() []*SyntheticConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SyntheticConn(nil), s.conns...)
}

// SyntheticConn is a Conn produced by Synthetic.
type SyntheticConn struct {
	cfg      SyntheticConfig
	Host     string
	Port     int
	openedAt time.Time

	pacer    *timectrl.Pacer
	stop     chan struct{}
	done     <-chan struct{}
	closeOne sync.Once
	onClose  func()

	mu          sync.Mutex
	frame       *framecodec.RawImage
	frameReady  chan struct{}
	loading     bool
	scenario    Scenario
	loadedAt    time.Time
	completed   bool
	loads       []string
	lastControl control.Command
	controls    int
	lost        bool
	closed      bool
}

func newSyntheticConn(cfg SyntheticConfig, host string, port int) *SyntheticConn {
	c := &SyntheticConn{
		cfg:        cfg,
		Host:       host,
		Port:       port,
		openedAt:   time.Now(),
		pacer:      timectrl.NewPacer(cfg.FPS),
		stop:       make(chan struct{}),
		frameReady: make(chan struct{}, 1),
	}
	c.pacer.AddListener(c.render)
	c.done = c.pacer.Start(c.stop)
	return c
}

// LoadScenario implements Conn. A scenario param fail=load makes it fail.
func (c *SyntheticConn) LoadScenario(ctx context.Context, scenario Scenario, flags Flags) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.loading = true
	c.frame = nil
	c.mu.Unlock()

	if c.cfg.LoadDelay > 0 {
		t := time.NewTimer(c.cfg.LoadDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.mu.Lock()
			c.loading = false
			c.mu.Unlock()
			return ctx.Err()
		case <-t.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	if scenario.Params["fail"] == "load" {
		return fmt.Errorf("load scenario %q: injected failure", scenario.Name)
	}
	c.scenario = scenario
	c.loadedAt = time.Now()
	c.completed = false
	c.loads = append(c.loads, scenario.Name)
	return nil
}

// ApplyControl implements Conn.
func (c *SyntheticConn) ApplyControl(_ context.Context, cmd control.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.lastControl = cmd
	c.controls++
	return nil
}

// ReadFrame implements Conn.
func (c *SyntheticConn) ReadFrame(ctx context.Context) (image.Image, error) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return nil, ErrClosed
		case c.lost:
			c.mu.Unlock()
			return nil, ErrConnectionLost
		case c.cfg.DropAfter > 0 && time.Since(c.openedAt) >= c.cfg.DropAfter:
			c.lost = true
			c.mu.Unlock()
			return nil, ErrConnectionLost
		case !c.loading && !c.completed && c.scenarioExpiredLocked():
			c.completed = true
			c.mu.Unlock()
			return nil, ErrScenarioComplete
		case c.frame != nil:
			f := c.frame
			c.frame = nil
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case <-c.frameReady:
		}
	}
}

// Close implements Conn.
func (c *SyntheticConn) Close() error {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
		<-c.done
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *SyntheticConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Loads returns the names of every scenario loaded on this connection.
func (c *SyntheticConn) Loads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.loads...)
}

// LastControl returns the last applied command and how many were applied.
func (c *SyntheticConn) LastControl() (control.Command, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastControl, c.controls
}

// Drop simulates an unexpected loss of the engine process.
func (c *SyntheticConn) Drop() {
	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()
	select {
	case c.frameReady <- struct{}{}:
	default:
	}
}

func (c *SyntheticConn) scenarioExpiredLocked() bool {
	if c.loadedAt.IsZero() {
		return false
	}
	d := c.cfg.ScenarioDuration
	if raw, ok := c.scenario.Params["duration"]; ok {
		if parsed, err := time.ParseDuration(raw); err == nil {
			d = parsed
		}
	}
	return d > 0 && time.Since(c.loadedAt) >= d
}

// render draws the next test pattern frame. Frames not read before the next
// tick are overwritten.
func (c *SyntheticConn) render(tick uint64, _ time.Time) {
	c.mu.Lock()
	if c.closed || c.loading || c.loadedAt.IsZero() {
		c.mu.Unlock()
		return
	}
	steer := c.lastControl.Steer
	name := c.scenario.Name
	c.mu.Unlock()

	img := framecodec.NewRawImage(c.cfg.Width, c.cfg.Height, framecodec.LayoutBGRA)
	drawPattern(img, tick, steer, name)

	c.mu.Lock()
	c.frame = img
	c.mu.Unlock()

	select {
	case c.frameReady <- struct{}{}:
	default:
	}
}

func drawPattern(img *framecodec.RawImage, tick uint64, steer float64, scenario string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scenario))
	hue := h.Sum32()
	base := color.RGBA{R: uint8(hue), G: uint8(hue >> 8), B: uint8(hue >> 16), A: 255}

	barX := int(float64(img.Width) * (0.5 + steer/2))
	shift := int(tick * 4)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := base
			if ((x+shift)/32)%2 == 0 {
				c.R, c.G, c.B = c.R/2, c.G/2, c.B/2
			}
			if x >= barX-2 && x <= barX+2 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
}

// String identifies the connection in logs.
func (c *SyntheticConn) String() string {
	return "synthetic://" + c.Host + ":" + strconv.Itoa(c.Port)
}
