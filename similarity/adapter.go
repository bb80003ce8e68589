package similarity

import "math"

// CoordAdapter edits a candidate vector p one coordinate at a time while
// keeping dot(p, base), |p|^2 and dot(p, client) current, so similarity to the
// base and to the original client vector is available in O(1) per edit.
type CoordAdapter struct {
	p      []float64
	base   []float64
	client []float64

	dotPB  float64
	sqP    float64
	dotPC  float64
	normB  float64
	normC  float64
	edited int
}

// NewCoordAdapter starts from a copy of p. base and client are read but never
// written; all three vectors must have the same length.
func NewCoordAdapter(p, base, client []float64) *CoordAdapter {
	a := &CoordAdapter{
		p:      append([]float64(nil), p...),
		base:   base,
		client: client,
	}
	a.dotPB = Dot(a.p, base)
	a.sqP = Dot(a.p, a.p)
	a.dotPC = Dot(a.p, client)
	a.normB = Norm(base)
	a.normC = Norm(client)
	return a
}

// Set replaces coordinate i with value and updates the running reductions.
func (a *CoordAdapter) Set(i int, value float64) {
	old := a.p[i]
	diff := value - old
	a.dotPB += diff * a.base[i]
	a.dotPC += diff * a.client[i]
	a.sqP += value*value - old*old
	if a.sqP < 0 {
		a.sqP = 0
	}
	a.p[i] = value
	a.edited++
}

// Peek returns the cosine similarity to the base that Set(i, value) would
// produce, without applying it.
func (a *CoordAdapter) Peek(i int, value float64) float64 {
	old := a.p[i]
	dotPB := a.dotPB + (value-old)*a.base[i]
	sqP := a.sqP + value*value - old*old
	if sqP < 0 {
		sqP = 0
	}
	return cosine(dotPB, math.Sqrt(sqP), a.normB)
}

func (a *CoordAdapter) Value(i int) float64 {
	return a.p[i]
}

func (a *CoordAdapter) Norm() float64 {
	return math.Sqrt(a.sqP)
}

func (a *CoordAdapter) CosineToBase() float64 {
	return cosine(a.dotPB, a.Norm(), a.normB)
}

func (a *CoordAdapter) CosineToClient() float64 {
	return cosine(a.dotPC, a.Norm(), a.normC)
}

// Edited returns how many Set calls were applied.
func (a *CoordAdapter) Edited() int {
	return a.edited
}

// Vector returns a copy of the current candidate.
func (a *CoordAdapter) Vector() []float64 {
	return append([]float64(nil), a.p...)
}
