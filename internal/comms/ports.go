package comms

import "fmt"

const maxPort = 65535

// PortPlan assigns each body a listening port by discovery order:
// Port(i) = Base + i*Spacing.
type PortPlan struct {
	Base    int
	Spacing int
}

// Port returns the primary port for the body at index.
func (p PortPlan) Port(index int) int {
	return p.Base + index*p.Spacing
}

// Assign maps each id to its primary port in the order given.
func (p PortPlan) Assign(ids []string) map[string]int {
	ports := make(map[string]int, len(ids))
	for i, id := range ids {
		ports[id] = p.Port(i)
	}
	return ports
}

// Validate checks that n bodies fit in the port range and that listener
// retry offsets (multiples of retrySpacing) cannot land on another body's
// primary port.
func (p PortPlan) Validate(n, retrySpacing, attempts int) error {
	if p.Base <= 0 || p.Spacing <= 0 {
		return fmt.Errorf("port plan base=%d spacing=%d must be positive", p.Base, p.Spacing)
	}
	if n <= 0 {
		return nil
	}
	if attempts > 1 && retrySpacing <= p.Spacing*(n-1) {
		return fmt.Errorf("retry spacing %d overlaps primary ports %d..%d", retrySpacing, p.Port(0), p.Port(n-1))
	}
	highest := p.Port(n - 1)
	if attempts > 1 {
		highest += retrySpacing * (attempts - 1)
	}
	if highest > maxPort {
		return fmt.Errorf("port plan reaches %d, beyond %d", highest, maxPort)
	}
	return nil
}
