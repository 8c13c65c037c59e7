package runner

import (
	"encoding/json"
	"time"
)

// MessageTypeStatus is the discriminant of status envelopes on viewer sockets.
const MessageTypeStatus = "status"

// Status is the event broadcast to viewers on every transition. State is the
// source of truth; the Is* and CanSkip fields are a projection for display.
type Status struct {
	Type           string    `json:"type"`
	State          string    `json:"state"`
	Message        string    `json:"message"`
	ScenarioIndex  int       `json:"scenario_index"`
	TotalScenarios int       `json:"total_scenarios"`
	ScenarioName   string    `json:"scenario_name,omitempty"`
	RunnerID       string    `json:"runner_id,omitempty"`
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
	Code           string    `json:"code,omitempty"`
	Heartbeat      bool      `json:"heartbeat,omitempty"`

	IsStarting bool `json:"is_starting"`
	IsRunning  bool `json:"is_running"`
	IsSkipping bool `json:"is_skipping"`
	IsStopping bool `json:"is_stopping"`
	CanSkip    bool `json:"can_skip"`
}

// NewStatus builds a status event for state with the display projection
// filled in. index is 0-based.
func NewStatus(state State, message string, index, total int, name string) Status {
	return Status{
		Type:           MessageTypeStatus,
		State:          state.String(),
		Message:        message,
		ScenarioIndex:  index,
		TotalScenarios: total,
		ScenarioName:   name,
		IsStarting:     state == StateStarting,
		IsRunning:      state == StateRunning,
		IsSkipping:     state == StateSkipping,
		IsStopping:     state == StateStopping,
		CanSkip:        state == StateRunning && CanSkip(index, total),
	}
}

// IdleStatus is the status shown to viewers of a tenant without a runner.
func IdleStatus(message string) Status {
	st := NewStatus(StateIdle, message, 0, 0, "")
	st.Timestamp = time.Now()
	return st
}

// CanSkip reports whether a session positioned at 0-based index of total may
// advance to another scenario. The last and the only scenario cannot be
// skipped.
func CanSkip(index, total int) bool {
	return total-index > 1
}

// Marshal encodes the status as a text envelope.
func (s Status) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
