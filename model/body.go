package model

import "fmt"

// MotionSource indicates how a body's motion is determined.
type MotionSource int

const (
	MotionSourceUnknown MotionSource = iota
	MotionSourceTLE                  // SGP4 propagation from two-line elements
	MotionSourceStatic               // fixed position plus optional constant velocity
)

// Motion is a Cartesian vector in kilometres (position) or km/s (velocity).
type Motion struct {
	X float64
	Y float64
	Z float64
}

// BodyDefinition is the configured identity of a tracked body. Index is the
// discovery order and drives the port assignment.
type BodyDefinition struct {
	ID    string
	Index int

	MotionSource MotionSource
	TLELine1     string
	TLELine2     string

	// Used when MotionSource is MotionSourceStatic.
	Position Motion
	Velocity Motion
}

// BodyState is the lifecycle state of a body in the mitigation state machine.
type BodyState int

const (
	StateNominal BodyState = iota
	StatePaused
	StateManeuvering
)

func (s BodyState) String() string {
	switch s {
	case StateNominal:
		return "nominal"
	case StatePaused:
		return "paused"
	case StateManeuvering:
		return "maneuvering"
	default:
		return fmt.Sprintf("BodyState(%d)", int(s))
	}
}

// MitigationMode selects the response applied to the responder of a risky pair.
type MitigationMode int

const (
	ModePause MitigationMode = iota
	ModeManeuver
)

func (m MitigationMode) String() string {
	switch m {
	case ModePause:
		return "pause"
	case ModeManeuver:
		return "maneuver"
	default:
		return fmt.Sprintf("MitigationMode(%d)", int(m))
	}
}

// State returns the body state a mitigation of this mode puts its owner in.
func (m MitigationMode) State() BodyState {
	if m == ModeManeuver {
		return StateManeuvering
	}
	return StatePaused
}

// ParseMitigationMode maps a configuration string to a MitigationMode.
func ParseMitigationMode(s string) (MitigationMode, error) {
	switch s {
	case "pause", "paused", "hold":
		return ModePause, nil
	case "maneuver", "manoeuvre", "maneuvering":
		return ModeManeuver, nil
	default:
		return ModePause, fmt.Errorf("unknown mitigation mode %q", s)
	}
}
