package mitigation

import (
	"time"

	"github.com/signalsfoundry/conjunction-monitor/core"
	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Body is the coordinator's view of one tracked body.
type Body struct {
	ID       string
	Position core.Vec3 // km
	Velocity core.Vec3 // km/s
	State    model.BodyState
}

// Record is an active mitigation. A body holds at most one, and only while
// it is not Nominal.
type Record struct {
	BodyID   string
	Mode     model.MitigationMode
	Start    time.Time
	Duration time.Duration
	// DeltaV is applied on top of the snapshot velocity while maneuvering.
	DeltaV core.Vec3
	// Position and Velocity are the body's state when the record started.
	Position core.Vec3
	Velocity core.Vec3
	// Cause is the pair whose risk created the record.
	Cause model.PairKey
}

// Expired reports whether the mitigation window has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.Start) >= r.Duration
}

// PositionVelocity returns the overridden trajectory at now. A paused body
// holds its snapshot position with zero velocity; a maneuvering body moves
// in a straight line at snapshot velocity plus DeltaV.
func (r Record) PositionVelocity(now time.Time) (core.Vec3, core.Vec3) {
	if r.Mode != model.ModeManeuver {
		return r.Position, core.Vec3{}
	}
	dt := now.Sub(r.Start).Seconds()
	if dt < 0 {
		dt = 0
	}
	v := r.Velocity.Add(r.DeltaV)
	return r.Position.Add(v.Scale(dt)), v
}
