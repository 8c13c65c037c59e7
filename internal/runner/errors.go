package runner

import (
	"errors"

	"github.com/signalsfoundry/simrunner/internal/engine"
)

var (
	// ErrAlreadyRunning indicates a start was requested for a tenant that
	// already owns a non-terminal runner.
	ErrAlreadyRunning = errors.New("runner already active for tenant")
	// ErrTransitionInProgress indicates a command arrived while a start, skip
	// or stop was still in flight.
	ErrTransitionInProgress = errors.New("transition in progress")
	// ErrEngineUnavailable indicates the engine could not be reached within
	// the connect timeout.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrEngineLost indicates the engine connection died while in use.
	ErrEngineLost = errors.New("engine connection lost")
	// ErrScenarioLoad indicates the engine rejected a scenario.
	ErrScenarioLoad = errors.New("scenario load failed")
	// ErrTransitionTimeout indicates a start or skip exceeded the transition
	// timeout.
	ErrTransitionTimeout = errors.New("transition timed out")
	// ErrNotRunning indicates a command that needs an active runner found none.
	ErrNotRunning = errors.New("no active runner")
	// ErrCannotSkip indicates a skip on the last (or only) scenario.
	ErrCannotSkip = errors.New("no further scenario to skip to")
	// ErrInvalidTransition indicates an edge outside the state graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrEmptyScenarioList indicates a start with nothing to run.
	ErrEmptyScenarioList = errors.New("scenario list is empty")
	// ErrRegistryClosed indicates the registry is shutting down.
	ErrRegistryClosed = errors.New("runner registry closed")
)

// Code returns the stable machine-readable code carried in status events for
// err. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrTransitionInProgress):
		return "transition_in_progress"
	case errors.Is(err, ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, ErrEngineLost), errors.Is(err, engine.ErrConnectionLost):
		return "engine_lost"
	case errors.Is(err, ErrScenarioLoad):
		return "scenario_load_failed"
	case errors.Is(err, ErrTransitionTimeout):
		return "transition_timeout"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	case errors.Is(err, ErrCannotSkip):
		return "cannot_skip"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrEmptyScenarioList):
		return "empty_scenario_list"
	case errors.Is(err, ErrRegistryClosed):
		return "registry_closed"
	default:
		return "internal"
	}
}
