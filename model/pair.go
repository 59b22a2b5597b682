package model

// PairKey identifies an unordered pair of bodies. A is always the
// lexicographically smaller identifier, so (x, y) and (y, x) share a key.
type PairKey struct {
	A string
	B string
}

// NewPairKey canonicalises the pair (x, y).
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

// Responder is the single body that mitigates for this pair.
func (k PairKey) Responder() string { return k.A }

// Other returns the member of the pair that is not id.
func (k PairKey) Other(id string) string {
	if id == k.A {
		return k.B
	}
	return k.A
}

// Contains reports whether id is one of the pair.
func (k PairKey) Contains(id string) bool { return id == k.A || id == k.B }

func (k PairKey) String() string { return k.A + "<->" + k.B }
