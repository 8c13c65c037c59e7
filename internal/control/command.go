// Package control validates driver input and relays the most recent command
// to a runner's engine connection at a bounded rate.
package control

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnauthorized is returned when a control connection targets a runner
	// owned by another tenant.
	ErrUnauthorized = errors.New("control connection not authorized for runner")
	// ErrInvalidRange is returned when an axis or gear value is outside its domain.
	ErrInvalidRange = errors.New("control value out of range")
	// ErrUnknownController is returned for unrecognised controller types.
	ErrUnknownController = errors.New("unknown controller type")
)

// ControllerType identifies the input device behind a command stream.
type ControllerType string

const (
	ControllerKeyboard  ControllerType = "keyboard"
	ControllerGamepad   ControllerType = "gamepad"
	ControllerAutopilot ControllerType = "autopilot"
)

// ParseControllerType maps a wire value onto a ControllerType. An empty value
// means keyboard.
func ParseControllerType(s string) (ControllerType, error) {
	switch ControllerType(s) {
	case "":
		return ControllerKeyboard, nil
	case ControllerKeyboard, ControllerGamepad, ControllerAutopilot:
		return ControllerType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownController, s)
	}
}

// Manual gear domain. -1 is reverse, 0 neutral.
const (
	MinGear = -1
	MaxGear = 8
)

// Standard gamepad layout indices used to map raw axis/button arrays.
const (
	GamepadAxisSteer       = 0
	GamepadButtonHandBrake = 0
	GamepadButtonReverse   = 1
	GamepadButtonBrake     = 6
	GamepadButtonThrottle  = 7
)

// Command is one driver input sample. Either the structured fields or the raw
// gamepad arrays are meaningful; Normalize folds the latter into the former.
type Command struct {
	ControllerType  ControllerType `json:"controller_type"`
	Throttle        float64        `json:"throttle"`
	Brake           float64        `json:"brake"`
	Steer           float64        `json:"steer"`
	HandBrake       bool           `json:"hand_brake"`
	Reverse         bool           `json:"reverse"`
	ManualGearShift bool           `json:"manual_gear_shift"`
	Gear            int            `json:"gear"`

	Axes    []float64 `json:"axes,omitempty"`
	Buttons []float64 `json:"buttons,omitempty"`

	// RunnerID optionally pins the command to a specific runner.
	RunnerID string `json:"runner_id,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// Neutral returns the command applied when a manual controller goes quiet:
// no throttle, no brake, wheel centred, gear untouched.
func Neutral(ct ControllerType, gear int) Command {
	return Command{ControllerType: ct, Gear: gear}
}

// HasRawGamepad reports whether the command carries raw gamepad arrays.
func (c Command) HasRawGamepad() bool {
	return len(c.Axes) > 0 || len(c.Buttons) > 0
}

// Validate checks every value against its domain: throttle and brake in [0,1],
// steer in [-1,1], gear in [MinGear,MaxGear], raw axes in [-1,1] and raw
// buttons in [0,1]. NaN is never in range.
func (c Command) Validate() error {
	if _, err := ParseControllerType(string(c.ControllerType)); err != nil {
		return err
	}
	if err := inRange("throttle", c.Throttle, 0, 1); err != nil {
		return err
	}
	if err := inRange("brake", c.Brake, 0, 1); err != nil {
		return err
	}
	if err := inRange("steer", c.Steer, -1, 1); err != nil {
		return err
	}
	if c.Gear < MinGear || c.Gear > MaxGear {
		return fmt.Errorf("%w: gear=%d not in [%d,%d]", ErrInvalidRange, c.Gear, MinGear, MaxGear)
	}
	for i, v := range c.Axes {
		if err := inRange(fmt.Sprintf("axes[%d]", i), v, -1, 1); err != nil {
			return err
		}
	}
	for i, v := range c.Buttons {
		if err := inRange(fmt.Sprintf("buttons[%d]", i), v, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// Normalize returns a copy with raw gamepad arrays mapped onto the structured
// fields using the standard gamepad layout. Commands without raw arrays are
// returned unchanged apart from defaulting the controller type.
func (c Command) Normalize() Command {
	if c.ControllerType == "" {
		c.ControllerType = ControllerKeyboard
	}
	if !c.HasRawGamepad() {
		return c
	}
	c.ControllerType = ControllerGamepad
	c.Steer = axis(c.Axes, GamepadAxisSteer)
	c.Throttle = button(c.Buttons, GamepadButtonThrottle)
	c.Brake = button(c.Buttons, GamepadButtonBrake)
	c.HandBrake = button(c.Buttons, GamepadButtonHandBrake) >= 0.5
	c.Reverse = button(c.Buttons, GamepadButtonReverse) >= 0.5
	c.Axes = nil
	c.Buttons = nil
	return c
}

func axis(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func button(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}

func inRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %s=%v not in [%v,%v]", ErrInvalidRange, name, v, lo, hi)
	}
	return nil
}
