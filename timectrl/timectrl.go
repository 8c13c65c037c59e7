package timectrl

import (
	"sync"
	"time"
)

// Clock is the time source used by runners and state machines. Production code
// uses Real; tests drive a Manual clock to exercise stuck-transition detection
// without sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Real is a Clock backed by the wall clock.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// Since implements Clock.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Manual is a Clock that only moves when Advance or Set is called.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual constructs a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Since implements Clock.
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Pacer drives a fixed-rate loop and notifies registered listeners on every
// tick. The synthetic engine uses it to produce frames at a target rate.
type Pacer struct {
	mu       sync.RWMutex
	Interval time.Duration

	ticks     uint64
	lastTick  time.Time
	listeners []func(seq uint64, at time.Time)
}

// NewPacer constructs a pacer ticking at fps frames per second. Non-positive
// rates fall back to 30 fps.
func NewPacer(fps int) *Pacer {
	if fps <= 0 {
		fps = 30
	}
	return &Pacer{Interval: time.Second / time.Duration(fps)}
}

// AddListener registers a callback invoked on every tick. Listeners must be
// registered before Start.
func (p *Pacer) AddListener(fn func(seq uint64, at time.Time)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Ticks returns the number of ticks delivered so far.
func (p *Pacer) Ticks() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ticks
}

// Start runs the pacer in a separate goroutine until stop is closed. It returns
// a channel that is closed when the pacer finishes.
func (p *Pacer) Start(stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				p.mu.Lock()
				p.ticks++
				p.lastTick = now
				seq := p.ticks
				listeners := p.listeners
				p.mu.Unlock()

				for _, fn := range listeners {
					fn(seq, now)
				}
			}
		}
	}()
	return done
}
