package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Scenario is the set of bodies and relay links read from a scenario file.
// Bodies keep file order, which is their discovery order.
type Scenario struct {
	Bodies []model.BodyDefinition
	Links  [][2]string
}

// internal JSON shapes, kept unexported so the file format can evolve.
type scenarioJSON struct {
	Bodies []bodyJSON  `json:"bodies"`
	Links  [][2]string `json:"links"`
}

type bodyJSON struct {
	ID       string      `json:"id"`
	TLE1     string      `json:"tle1"`
	TLE2     string      `json:"tle2"`
	Position *vectorJSON `json:"position"`
	Velocity *vectorJSON `json:"velocity"`
}

type vectorJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// LoadScenario decodes a JSON scenario. Unknown top-level keys are ignored so
// the same file can carry monitor settings. Each body needs either both TLE
// lines or a position.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	sc := &Scenario{
		Bodies: make([]model.BodyDefinition, 0, len(payload.Bodies)),
		Links:  payload.Links,
	}
	for i, b := range payload.Bodies {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return nil, fmt.Errorf("LoadScenario: body %d has an empty id", i)
		}
		def := model.BodyDefinition{ID: id}
		switch {
		case b.TLE1 != "" || b.TLE2 != "":
			if err := ValidateTLELines(b.TLE1, b.TLE2); err != nil {
				return nil, fmt.Errorf("LoadScenario: body %q: %w", id, err)
			}
			def.MotionSource = model.MotionSourceTLE
			def.TLELine1 = strings.TrimSpace(b.TLE1)
			def.TLELine2 = strings.TrimSpace(b.TLE2)
		case b.Position != nil:
			def.MotionSource = model.MotionSourceStatic
			def.Position = b.Position.motion()
			if b.Velocity != nil {
				def.Velocity = b.Velocity.motion()
			}
		default:
			return nil, fmt.Errorf("LoadScenario: body %q has neither TLE lines nor a position", id)
		}
		sc.Bodies = append(sc.Bodies, def)
	}
	for _, l := range sc.Links {
		if l[0] == "" || l[1] == "" {
			return nil, fmt.Errorf("LoadScenario: link %v has an empty endpoint", l)
		}
	}
	return sc, nil
}

// BodiesFromTLE converts parsed TLE entries into body definitions.
func BodiesFromTLE(entries []TLEEntry) []model.BodyDefinition {
	defs := make([]model.BodyDefinition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, model.BodyDefinition{
			ID:           e.Name,
			MotionSource: model.MotionSourceTLE,
			TLELine1:     e.Line1,
			TLELine2:     e.Line2,
		})
	}
	return defs
}

func (v vectorJSON) motion() model.Motion {
	return model.Motion{X: v.X, Y: v.Y, Z: v.Z}
}
