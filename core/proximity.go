package core

import (
	"context"

	"github.com/signalsfoundry/conjunction-monitor/internal/logging"
	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Defaults for the proximity monitor, in kilometres.
const (
	DefaultThresholdKm = 10.0
	// DefaultEpsilonKm is one metre. Separations below it come from bad or
	// duplicated orbital elements, not from real proximity.
	DefaultEpsilonKm = 0.001
)

// PairReading is the classification of one pair for one tick.
type PairReading struct {
	Key      model.PairKey
	Distance float64 // km
	Risk     bool
	Anomaly  bool
}

// ProximityMonitor classifies pairwise separations. It holds no per-tick
// state and never mutates body state.
type ProximityMonitor struct {
	ThresholdKm float64
	EpsilonKm   float64

	log logging.Logger
}

// NewProximityMonitor constructs a monitor; non-positive values fall back to
// the defaults.
func NewProximityMonitor(thresholdKm, epsilonKm float64, log logging.Logger) *ProximityMonitor {
	if thresholdKm <= 0 {
		thresholdKm = DefaultThresholdKm
	}
	if epsilonKm <= 0 {
		epsilonKm = DefaultEpsilonKm
	}
	if log == nil {
		log = logging.Noop()
	}
	return &ProximityMonitor{ThresholdKm: thresholdKm, EpsilonKm: epsilonKm, log: log}
}

// Check classifies the separation between a at pa and b at pb.
func (m *ProximityMonitor) Check(ctx context.Context, a, b string, pa, pb Vec3) PairReading {
	key := model.NewPairKey(a, b)
	d := pa.DistanceTo(pb)
	return m.classify(ctx, key, d)
}

func (m *ProximityMonitor) classify(ctx context.Context, key model.PairKey, d float64) PairReading {
	reading := PairReading{Key: key, Distance: d}
	if d < m.EpsilonKm {
		reading.Anomaly = true
		m.log.Warn(ctx, "unrealistic separation, check TLE data",
			logging.String("pair", key.String()),
			logging.Float64("distance_km", d),
			logging.Float64("epsilon_km", m.EpsilonKm),
		)
		return reading
	}
	reading.Risk = d < m.ThresholdKm
	m.log.Debug(ctx, "proximity check",
		logging.String("pair", key.String()),
		logging.Float64("distance_km", d),
		logging.Any("risk", reading.Risk),
	)
	return reading
}

// Evaluate checks every unordered pair of order whose positions are known.
// Pairs are produced in discovery order: (order[0], order[1]), (order[0],
// order[2]), ... Bodies missing from positions are skipped.
func (m *ProximityMonitor) Evaluate(ctx context.Context, order []string, positions map[string]Vec3) []PairReading {
	readings := make([]PairReading, 0, len(order)*(len(order)-1)/2)
	for i := 0; i < len(order); i++ {
		pa, ok := positions[order[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(order); j++ {
			pb, ok := positions[order[j]]
			if !ok {
				continue
			}
			readings = append(readings, m.Check(ctx, order[i], order[j], pa, pb))
		}
	}
	return readings
}
