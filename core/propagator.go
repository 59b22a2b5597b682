package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// ErrPropagation is wrapped by every error returned from an OrbitPropagator:
// invalid or absent orbital elements, or an SGP4 result that is not physical.
var ErrPropagation = errors.New("propagation failed")

// OrbitPropagator returns position (km) and velocity (km/s) for a body at t.
type OrbitPropagator interface {
	PositionVelocity(bodyID string, t time.Time) (Vec3, Vec3, error)
}

// BodyPropagator propagates a single body.
type BodyPropagator interface {
	Propagate(t time.Time) (Vec3, Vec3, error)
}

// Plausible SGP4 position magnitudes, centre of Earth to GEO and a bit beyond.
const (
	minOrbitRadiusKm = 6200.0
	maxOrbitRadiusKm = 50000.0
)

// SGP4Propagator propagates one body from its TLE with go-satellite. Output
// is in the TEME inertial frame; distances between bodies are frame invariant.
type SGP4Propagator struct {
	id  string
	sat satellite.Satellite
}

// NewSGP4Propagator validates the TLE lines and initialises the SGP4 model.
// go-satellite aborts the process on malformed input, so the lines are
// checked before they reach the library.
func NewSGP4Propagator(id, line1, line2 string) (*SGP4Propagator, error) {
	if err := ValidateTLELines(line1, line2); err != nil {
		return nil, fmt.Errorf("%w: body %q: %v", ErrPropagation, id, err)
	}
	sat := satellite.TLEToSat(strings.TrimSpace(line1), strings.TrimSpace(line2), satellite.GravityWGS72)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: body %q: sgp4 init code=%d %s", ErrPropagation, id, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{id: id, sat: sat}, nil
}

// Propagate runs SGP4 to t.
func (p *SGP4Propagator) Propagate(t time.Time) (Vec3, Vec3, error) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	pos, vel := satellite.Propagate(p.sat, year, int(month), day, hour, min, sec)
	position := Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	velocity := Vec3{X: vel.X, Y: vel.Y, Z: vel.Z}

	if !position.IsFinite() || !velocity.IsFinite() {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: body %q: sgp4 output is NaN/Inf", ErrPropagation, p.id)
	}
	if r := position.Norm(); r < minOrbitRadiusKm || r > maxOrbitRadiusKm {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: body %q: unreasonable position magnitude %.1f km", ErrPropagation, p.id, r)
	}
	return position, velocity, nil
}

// StaticPropagator moves a body along a straight line from Position at Epoch
// with constant Velocity. A zero velocity keeps the body fixed.
type StaticPropagator struct {
	Position Vec3
	Velocity Vec3
	Epoch    time.Time
}

// Propagate implements BodyPropagator.
func (p *StaticPropagator) Propagate(t time.Time) (Vec3, Vec3, error) {
	if p.Velocity == (Vec3{}) || p.Epoch.IsZero() {
		return p.Position, p.Velocity, nil
	}
	dt := t.Sub(p.Epoch).Seconds()
	return p.Position.Add(p.Velocity.Scale(dt)), p.Velocity, nil
}

// PropagatorSet dispatches PositionVelocity calls to per-body propagators.
type PropagatorSet struct {
	mu     sync.RWMutex
	bodies map[string]BodyPropagator
}

// NewPropagatorSet builds a propagator for each definition. Static bodies are
// anchored at epoch.
func NewPropagatorSet(defs []model.BodyDefinition, epoch time.Time) (*PropagatorSet, error) {
	set := &PropagatorSet{bodies: make(map[string]BodyPropagator, len(defs))}
	for _, def := range defs {
		p, err := NewBodyPropagator(def, epoch)
		if err != nil {
			return nil, err
		}
		set.Set(def.ID, p)
	}
	return set, nil
}

// NewBodyPropagator chooses the propagator matching def.MotionSource.
func NewBodyPropagator(def model.BodyDefinition, epoch time.Time) (BodyPropagator, error) {
	switch def.MotionSource {
	case model.MotionSourceTLE:
		return NewSGP4Propagator(def.ID, def.TLELine1, def.TLELine2)
	case model.MotionSourceStatic:
		return &StaticPropagator{
			Position: FromMotion(def.Position),
			Velocity: FromMotion(def.Velocity),
			Epoch:    epoch,
		}, nil
	default:
		return nil, fmt.Errorf("%w: body %q has no trajectory source", ErrPropagation, def.ID)
	}
}

// Set installs or replaces the propagator for id.
func (s *PropagatorSet) Set(id string, p BodyPropagator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bodies == nil {
		s.bodies = make(map[string]BodyPropagator)
	}
	s.bodies[id] = p
}

// PositionVelocity implements OrbitPropagator.
func (s *PropagatorSet) PositionVelocity(bodyID string, t time.Time) (Vec3, Vec3, error) {
	s.mu.RLock()
	p, ok := s.bodies[bodyID]
	s.mu.RUnlock()
	if !ok || p == nil {
		return Vec3{}, Vec3{}, fmt.Errorf("%w: no trajectory data for body %q", ErrPropagation, bodyID)
	}
	pos, vel, err := p.Propagate(t)
	if err != nil {
		if errors.Is(err, ErrPropagation) {
			return Vec3{}, Vec3{}, err
		}
		return Vec3{}, Vec3{}, fmt.Errorf("%w: body %q: %v", ErrPropagation, bodyID, err)
	}
	return pos, vel, nil
}
