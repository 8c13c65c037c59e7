package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/simrunner/timectrl"
)

// State is the single source of truth for where a runner is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateSkipping
	StateStopping
	StateError
)

var stateNames = [...]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateRunning:  "running",
	StateSkipping: "skipping",
	StateStopping: "stopping",
	StateError:    "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, bool) {
	for i, name := range stateNames {
		if name == v {
			return State(i), true
		}
	}
	return StateIdle, false
}

// Transitional reports whether a start, skip or stop is in flight.
func (s State) Transitional() bool {
	return s == StateStarting || s == StateSkipping || s == StateStopping
}

// edges is the complete transition graph. Anything not listed is rejected.
var edges = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StateSkipping, StateStopping, StateError},
	StateSkipping: {StateRunning, StateIdle, StateStopping, StateError},
	StateStopping: {StateIdle, StateError},
	StateError:    {StateIdle},
}

// ValidTransition reports whether from -> to is an edge of the graph.
func ValidTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Command names the request that caused a transition.
type Command string

const (
	CommandStart    Command = "start"
	CommandSkip     Command = "skip"
	CommandStop     Command = "stop"
	CommandComplete Command = "complete"
	CommandFail     Command = "fail"
)

// Transition records one edge taken by a Machine.
type Transition struct {
	From    State
	To      State
	Command Command
	At      time.Time
}

const maxHistory = 64

// Machine holds the scenario state of one runner. It validates every edge
// against the transition graph and remembers when the current state was
// entered so stuck transitions can be detected.
type Machine struct {
	mu        sync.Mutex
	clock     timectrl.Clock
	state     State
	pending   Command
	enteredAt time.Time
	message   string
	history   []Transition
}

// NewMachine returns a Machine in StateIdle.
func NewMachine(clock timectrl.Clock) *Machine {
	if clock == nil {
		clock = timectrl.Real{}
	}
	return &Machine{clock: clock, enteredAt: clock.Now()}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the command whose transition is in flight, or "" when the
// machine is settled.
func (m *Machine) Pending() Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Message returns the status message recorded with the last transition.
func (m *Machine) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// InStateFor returns how long the machine has been in its current state.
func (m *Machine) InStateFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Since(m.enteredAt)
}

// EnteredAt returns when the current state was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// Transition moves the machine to `to`. The command is kept as pending while
// the new state is transitional.
func (m *Machine) Transition(to State, cmd Command, message string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !ValidTransition(from, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t := Transition{From: from, To: to, Command: cmd, At: m.clock.Now()}
	m.state = to
	m.enteredAt = t.At
	m.message = message
	if to.Transitional() {
		m.pending = cmd
	} else {
		m.pending = ""
	}
	m.history = append(m.history, t)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	return t, nil
}

// SetMessage replaces the status message without changing state.
func (m *Machine) SetMessage(message string) {
	m.mu.Lock()
	m.message = message
	m.mu.Unlock()
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}
