package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/simrunner/timectrl"
)

func TestValidTransitionGraph(t *testing.T) {
	t.Parallel()

	allowed := map[[2]State]bool{
		{StateIdle, StateStarting}:     true,
		{StateStarting, StateRunning}:  true,
		{StateStarting, StateStopping}: true,
		{StateStarting, StateError}:    true,
		{StateRunning, StateSkipping}:  true,
		{StateRunning, StateStopping}:  true,
		{StateRunning, StateError}:     true,
		{StateSkipping, StateRunning}:  true,
		{StateSkipping, StateIdle}:     true,
		{StateSkipping, StateStopping}: true,
		{StateSkipping, StateError}:    true,
		{StateStopping, StateIdle}:     true,
		{StateStopping, StateError}:    true,
		{StateError, StateIdle}:        true,
	}

	states := []State{StateIdle, StateStarting, StateRunning, StateSkipping, StateStopping, StateError}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestMachineTracksPendingAndTimestamps(t *testing.T) {
	t.Parallel()

	clock := timectrl.NewManual(time.Unix(1000, 0))
	m := NewMachine(clock)

	if _, err := m.Transition(StateRunning, CommandStart, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Idle -> Running = %v, want ErrInvalidTransition", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("rejected transition changed state to %s", m.State())
	}

	if _, err := m.Transition(StateStarting, CommandStart, "connecting"); err != nil {
		t.Fatalf("Idle -> Starting: %v", err)
	}
	if m.Pending() != CommandStart {
		t.Fatalf("Pending() = %q, want start", m.Pending())
	}

	clock.Advance(3 * time.Second)
	if got := m.InStateFor(); got != 3*time.Second {
		t.Fatalf("InStateFor() = %v, want 3s", got)
	}

	if _, err := m.Transition(StateRunning, CommandStart, "running"); err != nil {
		t.Fatalf("Starting -> Running: %v", err)
	}
	if m.Pending() != "" {
		t.Fatalf("Pending() = %q after settling, want empty", m.Pending())
	}
	if m.Message() != "running" {
		t.Fatalf("Message() = %q", m.Message())
	}

	h := m.History()
	if len(h) != 2 || !h[1].At.Equal(time.Unix(1003, 0)) {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestStateNamesRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateIdle, StateStarting, StateRunning, StateSkipping, StateStopping, StateError} {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseState("paused"); ok {
		t.Fatalf("ParseState accepted an unknown state")
	}
}

func TestCanSkipRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		index, total int
		want         bool
	}{
		{0, 1, false},
		{0, 2, true},
		{1, 2, false},
		{0, 3, true},
		{1, 3, true},
		{2, 3, false},
		{3, 3, false},
	}
	for _, tc := range tests {
		if got := CanSkip(tc.index, tc.total); got != tc.want {
			t.Errorf("CanSkip(%d, %d) = %v, want %v", tc.index, tc.total, got, tc.want)
		}
	}
}

func TestStatusProjection(t *testing.T) {
	t.Parallel()

	st := NewStatus(StateRunning, "running", 0, 3, "town01")
	if !st.IsRunning || st.IsStarting || st.IsSkipping || st.IsStopping || !st.CanSkip {
		t.Fatalf("unexpected projection for running: %+v", st)
	}
	st = NewStatus(StateSkipping, "skipping", 1, 3, "town02")
	if !st.IsSkipping || st.CanSkip {
		t.Fatalf("unexpected projection for skipping: %+v", st)
	}
	if st.Type != MessageTypeStatus {
		t.Fatalf("Type = %q", st.Type)
	}
}

func TestCodeMapsSentinels(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(errors.New("context"), ErrCannotSkip)
	if Code(wrapped) != "cannot_skip" {
		t.Fatalf("Code(wrapped) = %q", Code(wrapped))
	}
	if Code(errors.New("boom")) != "internal" {
		t.Fatalf("unknown errors should map to internal")
	}
	if Code(nil) != "" {
		t.Fatalf("Code(nil) should be empty")
	}
}
