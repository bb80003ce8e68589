package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeEntry records the name and shape of one tensor inside a flat vector.
type ShapeEntry struct {
	Name  string
	Shape []int
}

// Manifest is the ordered list of entries recorded when a model is flattened.
type Manifest []ShapeEntry

// Size returns the length of the flat vector described by the manifest.
func (m Manifest) Size() int {
	n := 0
	for _, e := range m {
		n += elements(e.Shape)
	}
	return n
}

func (m Manifest) Equal(other Manifest) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i].Name != other[i].Name || !sameShape(m[i].Shape, other[i].Shape) {
			return false
		}
	}
	return true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e ShapeEntry) String() string {
	return fmt.Sprintf("%s%v", e.Name, e.Shape)
}

// Flatten concatenates every tensor of m in declaration order.
func Flatten(m *Model) ([]float64, Manifest) {
	vector := make([]float64, 0, m.Size())
	for _, p := range m.Params {
		vector = append(vector, p.Data...)
	}
	return vector, m.Manifest()
}

// Unflatten loads vector into a copy of target, position by position, using
// the manifest recorded by Flatten. target is never modified.
func Unflatten(vector []float64, manifest Manifest, target *Model) (*Model, error) {
	for _, e := range manifest {
		for _, d := range e.Shape {
			if d < 1 {
				return nil, errors.Wrapf(ErrShapeMismatch, "entry %v has a non-positive dimension", e)
			}
		}
	}
	if manifest.Size() != len(vector) {
		return nil, errors.Wrapf(ErrShapeMismatch, "manifest describes %d values, vector has %d", manifest.Size(), len(vector))
	}
	if target == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil target model")
	}
	if len(target.Params) != len(manifest) {
		return nil, errors.Wrapf(ErrShapeMismatch, "manifest has %d tensors, target has %d", len(manifest), len(target.Params))
	}

	out := target.Clone()
	start := 0
	for i, e := range manifest {
		if !sameShape(e.Shape, out.Params[i].Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "tensor %d: manifest %v, target %s%v", i, e, out.Params[i].Name, out.Params[i].Shape)
		}
		n := elements(e.Shape)
		out.Params[i].Data = append([]float64(nil), vector[start:start+n]...)
		start += n
	}
	return out, nil
}
