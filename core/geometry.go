package core

import (
	"math"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Vec3 is a Cartesian vector. Positions are in kilometres and velocities in
// km/s throughout the monitor.
type Vec3 struct {
	X, Y, Z float64
}

// FromMotion converts a model.Motion into a Vec3.
func FromMotion(m model.Motion) Vec3 {
	return Vec3{X: m.X, Y: m.Y, Z: m.Z}
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v multiplied by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Unit returns v normalised to length one. The zero vector has no direction
// and is returned unchanged with ok=false.
func (v Vec3) Unit() (Vec3, bool) {
	n := v.Norm()
	if n == 0 || math.IsNaN(n) {
		return Vec3{}, false
	}
	return v.Scale(1 / n), true
}

// IsFinite reports whether every component is a real number.
func (v Vec3) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Round returns v with each component rounded to the given number of decimals.
func (v Vec3) Round(decimals int) Vec3 {
	p := math.Pow(10, float64(decimals))
	return Vec3{
		X: math.Round(v.X*p) / p,
		Y: math.Round(v.Y*p) / p,
		Z: math.Round(v.Z*p) / p,
	}
}
